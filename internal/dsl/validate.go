package dsl

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/constants"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

// Validate applies defaults and verifies required fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateQuota(&cfg.Quota); err != nil {
		return err
	}
	if err := validateStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := validateNotifier(&cfg.Notifier); err != nil {
		return err
	}
	if cfg.Admin.PathPrefix == "" {
		cfg.Admin.PathPrefix = constants.DefaultAdminPrefix
	}
	if cfg.Admin.ChatPathPrefix == "" {
		cfg.Admin.ChatPathPrefix = constants.DefaultChatPrefix
	}
	for field, prefix := range map[string]*string{"admin.path_prefix": &cfg.Admin.PathPrefix, "admin.chat_path_prefix": &cfg.Admin.ChatPathPrefix} {
		if !strings.HasPrefix(*prefix, "/") {
			return fmt.Errorf("%s must start with /", field)
		}
		*prefix = strings.TrimRight(*prefix, "/")
		if *prefix == "" {
			return fmt.Errorf("%s must not be the root path", field)
		}
	}
	if cfg.Admin.PathPrefix == cfg.Admin.ChatPathPrefix {
		return fmt.Errorf("admin.path_prefix and admin.chat_path_prefix must differ")
	}
	return nil
}

func validateServer(s *ServerConfig) error {
	if s.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("server.version is required")
	}
	if s.Transport == "" {
		s.Transport = constants.TransportHTTP
	}
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	switch s.Transport {
	case constants.TransportHTTP, constants.TransportStdio:
	default:
		return fmt.Errorf("server.transport must be http or stdio")
	}
	if s.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(s.ShutdownTimeout); err != nil {
			return fmt.Errorf("server.shutdown_timeout is invalid: %w", err)
		}
	}
	if strings.TrimSpace(s.HTTP.Listen) == "" {
		s.HTTP.Listen = constants.DefaultListen
	}
	if s.HTTP.Path == "" {
		s.HTTP.Path = constants.DefaultMCPPath
	}
	for field, value := range map[string]string{
		"server.http.read_timeout":  s.HTTP.ReadTimeout,
		"server.http.write_timeout": s.HTTP.WriteTimeout,
		"server.http.idle_timeout":  s.HTTP.IdleTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s is invalid: %w", field, err)
		}
	}

	if s.Idempotency.Enabled {
		if s.Idempotency.TTL == "" {
			s.Idempotency.TTL = "1h"
		}
		if s.Idempotency.MaxEntries == 0 {
			s.Idempotency.MaxEntries = 1000
		}
		if s.Idempotency.MaxEntries < 0 {
			return fmt.Errorf("server.idempotency_cache.max_entries must be >= 0")
		}
		if _, err := time.ParseDuration(s.Idempotency.TTL); err != nil {
			return fmt.Errorf("server.idempotency_cache.ttl is invalid: %w", err)
		}
		if s.Idempotency.KeyStrategy == "" {
			s.Idempotency.KeyStrategy = constants.CacheKeyStrategyAuto
		}
		switch strings.ToLower(strings.TrimSpace(s.Idempotency.KeyStrategy)) {
		case constants.CacheKeyStrategyAuto, constants.CacheKeyStrategyCorrelationID, constants.CacheKeyStrategyArgumentsHash:
		default:
			return fmt.Errorf("server.idempotency_cache.key_strategy must be auto, correlation_id, or arguments_hash")
		}
	}
	return nil
}

func validateQuota(q *QuotaConfig) error {
	if q.BaseLimit == 0 {
		q.BaseLimit = constants.DefaultBaseLimit
	}
	if q.DefaultGrant == 0 {
		q.DefaultGrant = constants.DefaultGrant
	}
	if q.MaxGrant == 0 {
		q.MaxGrant = constants.DefaultMaxGrant
	}
	if q.BaseLimit < 0 {
		return fmt.Errorf("quota.base_limit must be >= 0")
	}
	if q.DefaultGrant < 1 {
		return fmt.Errorf("quota.default_grant must be positive")
	}
	if q.MaxGrant < q.DefaultGrant {
		return fmt.Errorf("quota.max_grant must be >= quota.default_grant")
	}
	if q.GrantPolicy == "" {
		q.GrantPolicy = string(extension.PolicyReplace)
	}
	q.GrantPolicy = strings.ToLower(strings.TrimSpace(q.GrantPolicy))
	if !extension.GrantPolicy(q.GrantPolicy).Valid() {
		return fmt.Errorf("quota.grant_policy must be replace or add")
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	if strings.TrimSpace(s.DataDir) == "" {
		s.DataDir = constants.DefaultDataDir
	}
	if s.LedgerFile == "" {
		s.LedgerFile = "extension_requests.ndjson"
	}
	if s.SnapshotFile == "" {
		s.SnapshotFile = "approved_extensions.json"
	}
	if s.LedgerFile == s.SnapshotFile {
		return fmt.Errorf("storage.ledger_file and storage.snapshot_file must differ")
	}
	for field, name := range map[string]string{"storage.ledger_file": s.LedgerFile, "storage.snapshot_file": s.SnapshotFile} {
		if strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("%s must be a bare file name", field)
		}
	}
	if s.RefreshInterval == "" {
		s.RefreshInterval = constants.DefaultRefresh
	}
	if _, err := time.ParseDuration(s.RefreshInterval); err != nil {
		return fmt.Errorf("storage.refresh_interval is invalid: %w", err)
	}
	return nil
}

func validateNotifier(n *NotifierConfig) error {
	if n.Timeout == "" {
		n.Timeout = constants.DefaultNotifyTimeout
	}
	if _, err := time.ParseDuration(n.Timeout); err != nil {
		return fmt.Errorf("notifier.timeout is invalid: %w", err)
	}
	if n.RatePerMinute < 0 || n.Burst < 0 {
		return fmt.Errorf("notifier.rate_per_minute and notifier.burst must be >= 0")
	}
	for i := range n.Sinks {
		sink := &n.Sinks[i]
		sink.Type = strings.ToLower(strings.TrimSpace(sink.Type))
		switch sink.Type {
		case constants.SinkLog, constants.SinkSMTP:
		case constants.SinkWebhook:
			if _, err := parseWebhookURL(sink.URL); err != nil {
				return fmt.Errorf("notifier.sinks[%d].url is invalid: %w", i, err)
			}
		case "":
			return fmt.Errorf("notifier.sinks[%d].type is required", i)
		default:
			return fmt.Errorf("notifier.sinks[%d].type must be log, smtp, or webhook", i)
		}
		if sink.Timeout != "" {
			if _, err := time.ParseDuration(sink.Timeout); err != nil {
				return fmt.Errorf("notifier.sinks[%d].timeout is invalid: %w", i, err)
			}
		}
	}
	return nil
}

func parseWebhookURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("webhook url is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must use http or https")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("webhook url must be absolute")
	}
	return parsed, nil
}
