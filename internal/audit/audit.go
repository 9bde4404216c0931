package audit

import (
	"context"
	"log/slog"

	"github.com/codex-k8s/quota-mcp-server/internal/security"
)

// Event types recorded for the request lifecycle.
const (
	TypeRequestCreated   = "request_created"
	TypeRequestDuplicate = "request_duplicate"
	TypeRequestApproved  = "request_approved"
	TypeRequestDenied    = "request_denied"
	TypeNotifyOK         = "notify_ok"
	TypeNotifyFailed     = "notify_failed"
	TypeSnapshotRebuilt  = "snapshot_rebuilt"
	TypeToolCall         = "tool_call"
	TypeCacheHit         = "cache_hit"
	TypeUnauthorized     = "unauthorized"
)

// Event represents an audit entry for a request transition or side effect.
type Event struct {
	// Type describes the event kind.
	Type string
	// RequestID identifies the extension request.
	RequestID string
	// SessionID identifies the chat session.
	SessionID string
	// Email is masked before it is written.
	Email string
	// CorrelationID links related events.
	CorrelationID string
	// Decision is the resulting status or outcome.
	Decision string
	// Reason provides additional context.
	Reason string
}

// Logger records audit events.
type Logger interface {
	// Record stores an audit event.
	Record(ctx context.Context, event Event)
}

// StdLogger writes audit events to slog.
type StdLogger struct {
	logger *slog.Logger
}

// New returns a StdLogger.
func New(logger *slog.Logger) *StdLogger {
	return &StdLogger{logger: logger}
}

// Record logs an audit event.
func (l *StdLogger) Record(ctx context.Context, event Event) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.InfoContext(ctx, "audit",
		"type", event.Type,
		"request_id", event.RequestID,
		"session_id", event.SessionID,
		"email", security.RedactEmail(event.Email),
		"correlation_id", event.CorrelationID,
		"decision", event.Decision,
		"reason", event.Reason,
	)
}

// Nop discards events.
type Nop struct{}

// Record implements Logger.
func (Nop) Record(context.Context, Event) {}
