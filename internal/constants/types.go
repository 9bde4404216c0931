package constants

// Server transports.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Notifier sink types.
const (
	SinkLog     = "log"
	SinkSMTP    = "smtp"
	SinkWebhook = "webhook"
)

// Idempotency cache key strategies.
const (
	CacheKeyStrategyAuto          = "auto"
	CacheKeyStrategyCorrelationID = "correlation_id"
	CacheKeyStrategyArgumentsHash = "arguments_hash"
)

// Defaults shared by the server and the admin CLI.
const (
	DefaultBaseLimit     = 20
	DefaultGrant         = 10
	DefaultMaxGrant      = 1000
	DefaultDataDir       = "./logs"
	DefaultAdminPrefix   = "/admin"
	DefaultChatPrefix    = "/chat"
	DefaultMCPPath       = "/mcp"
	DefaultListen        = ":8080"
	DefaultRefresh       = "5s"
	DefaultNotifyTimeout = "10s"
)
