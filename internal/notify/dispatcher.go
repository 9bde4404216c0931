package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Notifiers receive every alert, in order.
	Notifiers []Notifier
	// Timeout bounds one delivery attempt per notifier.
	Timeout time.Duration
	// RatePerMinute caps alerts; zero disables limiting.
	RatePerMinute int
	// Burst is the limiter bucket size; defaults to RatePerMinute.
	Burst  int
	Audit  audit.Logger
	Logger *slog.Logger
}

// Dispatcher delivers alerts in the background. Delivery never blocks or fails the
// caller: errors are logged, audited and counted.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	limiter   *rate.Limiter
	audit     audit.Logger
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		notifiers: opts.Notifiers,
		timeout:   opts.Timeout,
		audit:     opts.Audit,
		logger:    opts.Logger,
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.audit == nil {
		d.audit = audit.Nop{}
	}
	if opts.RatePerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.RatePerMinute
		}
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), burst)
	}
	return d
}

// Dispatch schedules alerts for req and returns immediately.
func (d *Dispatcher) Dispatch(req extension.Request) {
	if d == nil || len(d.notifiers) == 0 {
		return
	}
	correlationID := uuid.NewString()
	if d.limiter != nil && !d.limiter.Allow() {
		if d.logger != nil {
			d.logger.Warn("notification rate limit exceeded; alert dropped", "request_id", req.ID)
		}
		d.audit.Record(context.Background(), audit.Event{
			Type: audit.TypeNotifyFailed, RequestID: req.ID, SessionID: req.SessionID,
			CorrelationID: correlationID, Reason: "rate limited",
		})
		metrics.RecordNotification("dispatcher", false, 0)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, n := range d.notifiers {
			d.deliver(n, req, correlationID)
		}
	}()
}

func (d *Dispatcher) deliver(n Notifier, req extension.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	started := time.Now()
	err := safeNotify(ctx, n, req)
	metrics.RecordNotification(n.Name(), err == nil, time.Since(started))

	event := audit.Event{
		Type:          audit.TypeNotifyOK,
		RequestID:     req.ID,
		SessionID:     req.SessionID,
		Email:         req.Email,
		CorrelationID: correlationID,
		Decision:      n.Name(),
	}
	if err != nil {
		event.Type = audit.TypeNotifyFailed
		event.Reason = err.Error()
		if d.logger != nil {
			d.logger.Error("notification failed", "notifier", n.Name(), "request_id", req.ID, "error", err)
		}
	}
	d.audit.Record(ctx, event)
}

func safeNotify(ctx context.Context, n Notifier, req extension.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier %s panicked: %v", n.Name(), r)
		}
	}()
	return n.Notify(ctx, req)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
