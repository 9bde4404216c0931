package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

var testRequest = extension.Request{
	ID:        "abc_1714564800",
	SessionID: "abc",
	Email:     "u@example.com",
	CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local),
	Status:    extension.StatusPending,
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type funcNotifier struct {
	name string
	fn   func(ctx context.Context, req extension.Request) error
}

func (f funcNotifier) Name() string { return f.name }

func (f funcNotifier) Notify(ctx context.Context, req extension.Request) error {
	return f.fn(ctx, req)
}

func TestComposeFallback(t *testing.T) {
	c := Composer{AppURL: "https://chat.example.com/"}
	msg := c.Compose(testRequest)
	if msg.Subject != "Extension Request from u@example.com" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	for _, want := range []string{"u@example.com", "abc_1714564800", "2024-05-01T12:00:00", "https://chat.example.com/extension-requests"} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	rec := &recordingAudit{}
	var delivered atomic.Int32
	d := NewDispatcher(DispatcherOptions{
		Notifiers: []Notifier{
			funcNotifier{name: "broken", fn: func(context.Context, extension.Request) error {
				return errors.New("relay down")
			}},
			funcNotifier{name: "panics", fn: func(context.Context, extension.Request) error {
				panic("boom")
			}},
			funcNotifier{name: "ok", fn: func(context.Context, extension.Request) error {
				delivered.Add(1)
				return nil
			}},
		},
		Audit: rec,
	})

	d.Dispatch(testRequest)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if delivered.Load() != 1 {
		t.Fatalf("delivered = %d, want 1", delivered.Load())
	}
	got := rec.types()
	want := []string{audit.TypeNotifyFailed, audit.TypeNotifyFailed, audit.TypeNotifyOK}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	rec := &recordingAudit{}
	d := NewDispatcher(DispatcherOptions{
		Notifiers: []Notifier{funcNotifier{name: "slow", fn: func(ctx context.Context, _ extension.Request) error {
			<-ctx.Done()
			return ctx.Err()
		}}},
		Timeout: 20 * time.Millisecond,
		Audit:   rec,
	})

	start := time.Now()
	d.Dispatch(testRequest)
	if time.Since(start) > 10*time.Millisecond {
		t.Fatalf("Dispatch blocked the caller")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := rec.types(); len(got) != 1 || got[0] != audit.TypeNotifyFailed {
		t.Fatalf("audit events = %v", got)
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(DispatcherOptions{
		Notifiers: []Notifier{funcNotifier{name: "count", fn: func(context.Context, extension.Request) error {
			calls.Add(1)
			return nil
		}}},
		RatePerMinute: 1,
		Burst:         1,
	})
	d.Dispatch(testRequest)
	d.Dispatch(testRequest)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestTimeoutWrapper(t *testing.T) {
	n := Timeout{
		Inner: funcNotifier{name: "slow", fn: func(ctx context.Context, _ extension.Request) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		Timeout: 10 * time.Millisecond,
	}
	err := n.Notify(context.Background(), testRequest)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Notify() error = %v, want timeout", err)
	}
	if n.Name() != "slow" {
		t.Fatalf("Name() = %q", n.Name())
	}
}

func TestWebhookNotify(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Token")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := Webhook{URL: srv.URL, Headers: map[string]string{"X-Token": "t"}, Composer: Composer{AppURL: "https://chat"}}
	if err := n.Notify(context.Background(), testRequest); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if auth != "t" {
		t.Fatalf("header X-Token = %q", auth)
	}
	if got.Event != "extension_request" || got.RequestID != testRequest.ID || got.Email != testRequest.Email {
		t.Fatalf("payload = %+v", got)
	}
	if got.ReviewURL != "https://chat/extension-requests" || got.CorrelationID == "" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Webhook{URL: srv.URL}.Notify(context.Background(), testRequest)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("Notify() error = %v, want status error", err)
	}
}

// fakeSMTP accepts one plain-text session and captures the DATA payload.
func fakeSMTP(t *testing.T) (addr string, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	out := make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

		reply("220 fake ESMTP")
		var body strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					out <- body.String()
					reply("250 queued")
					continue
				}
				body.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 fake")
			case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "RCPT TO"):
				reply("250 ok")
			case cmd == "DATA":
				inData = true
				reply("354 go ahead")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 unsupported")
			}
		}
	}()
	return ln.Addr().String(), out
}

func TestSMTPNotify(t *testing.T) {
	addr, data := fakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	n := SMTP{
		Host:     host,
		Port:     port,
		From:     "bot@example.com",
		To:       "admin@example.com",
		Composer: Composer{AppURL: "https://chat"},
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Notify(ctx, testRequest); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case msg := <-data:
		for _, want := range []string{
			"From: bot@example.com\r\n",
			"To: admin@example.com\r\n",
			"Subject: Extension Request from u@example.com\r\n",
			"https://chat/extension-requests",
		} {
			if !strings.Contains(msg, want) {
				t.Fatalf("message missing %q:\n%s", want, msg)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSMTPRequiresSTARTTLSWhenEnabled(t *testing.T) {
	addr, _ := fakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	n := SMTP{Host: host, Port: port, UseTLS: true, From: "bot@example.com", To: "admin@example.com"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Notify(ctx, testRequest); err == nil || !strings.Contains(err.Error(), "STARTTLS") {
		t.Fatalf("Notify() error = %v, want STARTTLS error", err)
	}
}
