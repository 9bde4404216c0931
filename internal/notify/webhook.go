package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

// Webhook posts alerts to an HTTP endpoint (chat ops bots, ticketing).
type Webhook struct {
	// Label is a human-friendly name.
	Label string
	// URL is the webhook endpoint.
	URL string
	// Method overrides the HTTP method.
	Method string
	// Headers adds HTTP headers.
	Headers map[string]string
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
	// Composer renders the message text included in the payload.
	Composer Composer
	// Client overrides the HTTP client.
	Client *http.Client
}

// WebhookPayload is the JSON body sent to webhook endpoints.
type WebhookPayload struct {
	// CorrelationID identifies this delivery.
	CorrelationID string `json:"correlation_id"`
	// Event is always "extension_request".
	Event string `json:"event"`
	// RequestID identifies the request.
	RequestID string `json:"request_id"`
	// SessionID identifies the chat session.
	SessionID string `json:"session_id"`
	// Email is the requester's contact address.
	Email string `json:"email"`
	// CreatedAt is the request timestamp in the ledger format.
	CreatedAt string `json:"created_at"`
	// ReviewURL points at the admin review page.
	ReviewURL string `json:"review_url"`
	// Subject and Text carry the rendered message.
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Name implements Notifier.
func (w Webhook) Name() string {
	if w.Label != "" {
		return w.Label
	}
	return "webhook"
}

// Notify implements Notifier.
func (w Webhook) Notify(ctx context.Context, req extension.Request) error {
	if w.URL == "" {
		return fmt.Errorf("%s: url is empty", w.Name())
	}
	msg := w.Composer.Compose(req)
	payload := WebhookPayload{
		CorrelationID: uuid.NewString(),
		Event:         "extension_request",
		RequestID:     req.ID,
		SessionID:     req.SessionID,
		Email:         req.Email,
		CreatedAt:     timeutil.FormatISO(req.CreatedAt),
		ReviewURL:     w.Composer.ReviewURL(),
		Subject:       msg.Subject,
		Text:          msg.Body,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range w.Headers {
		request.Header.Set(key, value)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: w.Timeout}
	}
	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
