package dsl

// Config is the top-level YAML configuration.
type Config struct {
	// Server describes the MCP server settings.
	Server ServerConfig `yaml:"server"`
	// Quota sets limits and grant policy.
	Quota QuotaConfig `yaml:"quota"`
	// Storage locates the ledger and snapshot files.
	Storage StorageConfig `yaml:"storage"`
	// Notifier configures operator alerts for new requests.
	Notifier NotifierConfig `yaml:"notifier"`
	// Admin configures the admin HTTP API.
	Admin AdminConfig `yaml:"admin"`
}

// ServerConfig defines MCP server settings.
type ServerConfig struct {
	// Name is the MCP server name.
	Name string `yaml:"name"`
	// Version is the MCP server version.
	Version string `yaml:"version"`
	// Transport selects the server transport ("http" or "stdio").
	Transport string `yaml:"transport"`
	// ShutdownTimeout overrides graceful shutdown duration.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// Idempotency configures optional response caching.
	Idempotency IdempotencyConfig `yaml:"idempotency_cache"`
	// HTTP configures HTTP transport.
	HTTP HTTPConfig `yaml:"http"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Path is the MCP HTTP endpoint path.
	Path string `yaml:"path"`
	// ReadTimeout limits request read time.
	ReadTimeout string `yaml:"read_timeout"`
	// WriteTimeout limits response write time.
	WriteTimeout string `yaml:"write_timeout"`
	// IdleTimeout controls idle connections.
	IdleTimeout string `yaml:"idle_timeout"`
	// Stateless disables session tracking.
	Stateless bool `yaml:"stateless"`
}

// IdempotencyConfig configures response caching for repeated tool calls.
type IdempotencyConfig struct {
	// Enabled toggles idempotency caching.
	Enabled bool `yaml:"enabled"`
	// TTL controls how long cached responses are kept.
	TTL string `yaml:"ttl"`
	// MaxEntries limits the cache size.
	MaxEntries int `yaml:"max_entries"`
	// KeyStrategy selects cache key strategy (correlation_id, arguments_hash, auto).
	KeyStrategy string `yaml:"key_strategy"`
}

// QuotaConfig defines per-session limits.
type QuotaConfig struct {
	// BaseLimit is the number of queries every session gets.
	BaseLimit int `yaml:"base_limit"`
	// DefaultGrant is used when an approval omits queries_granted.
	DefaultGrant int `yaml:"default_grant"`
	// MaxGrant caps queries_granted per approval.
	MaxGrant int `yaml:"max_grant"`
	// GrantPolicy is "replace" or "add".
	GrantPolicy string `yaml:"grant_policy"`
}

// StorageConfig locates durable files.
type StorageConfig struct {
	// DataDir holds both files.
	DataDir string `yaml:"data_dir"`
	// LedgerFile is the request ledger name inside DataDir.
	LedgerFile string `yaml:"ledger_file"`
	// SnapshotFile is the grant snapshot name inside DataDir.
	SnapshotFile string `yaml:"snapshot_file"`
	// RefreshInterval controls how often the snapshot is checked for external changes.
	RefreshInterval string `yaml:"refresh_interval"`
}

// NotifierConfig configures alert delivery.
type NotifierConfig struct {
	// Timeout bounds one delivery per sink.
	Timeout string `yaml:"timeout"`
	// RatePerMinute caps alerts; zero disables limiting.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Burst is the limiter bucket size.
	Burst int `yaml:"burst"`
	// Sinks lists delivery targets.
	Sinks []SinkConfig `yaml:"sinks"`
}

// SinkConfig defines one alert target.
type SinkConfig struct {
	// Type selects the sink implementation (log, smtp, webhook).
	Type string `yaml:"type"`
	// Name is a human-friendly sink name.
	Name string `yaml:"name"`
	// Timeout overrides the notifier timeout for this sink.
	Timeout string `yaml:"timeout"`
	// URL is the webhook endpoint.
	URL string `yaml:"url"`
	// Method overrides the webhook HTTP method.
	Method string `yaml:"method"`
	// Headers adds webhook HTTP headers.
	Headers map[string]string `yaml:"headers"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	// Enabled mounts admin routes. They also require ADMIN_KEY.
	Enabled bool `yaml:"enabled"`
	// PathPrefix is where admin routes are mounted.
	PathPrefix string `yaml:"path_prefix"`
	// ChatPathPrefix is where chat routes are mounted.
	ChatPathPrefix string `yaml:"chat_path_prefix"`
}
