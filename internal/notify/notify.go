package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

// Notifier delivers an operator alert about a new extension request.
type Notifier interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Notify sends the alert. It must honour ctx cancellation.
	Notify(ctx context.Context, req extension.Request) error
}

// Message is a rendered operator alert.
type Message struct {
	Subject string
	Body    string
}

// Composer renders alert text from localized templates.
type Composer struct {
	// Renderer provides notify.subject and notify.body templates.
	Renderer templates.Renderer
	// AppURL is the base URL of the admin review page.
	AppURL string
}

type messageData struct {
	Email     string
	SessionID string
	RequestID string
	Time      string
	ReviewURL string
}

// Compose renders the subject and body for req.
func (c Composer) Compose(req extension.Request) Message {
	data := messageData{
		Email:     req.Email,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Time:      timeutil.FormatISO(req.CreatedAt),
		ReviewURL: c.ReviewURL(),
	}
	return Message{
		Subject: templates.RenderOr(c.Renderer, "notify.subject", data, "Extension Request from "+req.Email),
		Body: templates.RenderOr(c.Renderer, "notify.body", data, fmt.Sprintf(
			"New extension request:\n\nEmail: %s\nSession ID: %s\nRequest ID: %s\nTime: %s\n\nReview at: %s\n",
			data.Email, data.SessionID, data.RequestID, data.Time, data.ReviewURL,
		)),
	}
}

// ReviewURL returns the admin page that lists pending requests.
func (c Composer) ReviewURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.AppURL), "/")
	return base + "/extension-requests"
}

// Timeout wraps a notifier with its own deadline.
type Timeout struct {
	// Inner is the wrapped notifier.
	Inner Notifier
	// Timeout bounds one delivery.
	Timeout time.Duration
}

// Name returns the inner notifier name.
func (t Timeout) Name() string {
	if t.Inner != nil {
		return t.Inner.Name()
	}
	return "timeout"
}

// Notify runs the inner notifier under the deadline.
func (t Timeout) Notify(ctx context.Context, req extension.Request) error {
	if t.Inner == nil {
		return errors.New("timeout notifier has no inner notifier")
	}
	if t.Timeout <= 0 {
		return t.Inner.Notify(ctx, req)
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	err := t.Inner.Notify(ctxTimeout, req)
	if errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: notification timed out after %s", t.Name(), t.Timeout)
	}
	return err
}
