package notify

import (
	"context"
	"log/slog"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/security"
)

// Log writes alerts to the structured log. Useful when no mail relay is configured.
type Log struct {
	Logger   *slog.Logger
	Composer Composer
}

// Name implements Notifier.
func (Log) Name() string {
	return "log"
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, req extension.Request) error {
	if l.Logger == nil {
		return nil
	}
	msg := l.Composer.Compose(req)
	l.Logger.InfoContext(ctx, "extension request notification",
		"email", security.RedactEmail(req.Email),
		"request_id", req.ID,
		"session_id", req.SessionID,
		"review_url", l.Composer.ReviewURL(),
		"body_bytes", len(msg.Body),
	)
	return nil
}
