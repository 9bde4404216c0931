package health

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Check reports whether a dependency is usable.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

type Handler struct {
	ready  atomic.Bool
	checks []Check
}

// New returns a health handler instance. Readiness additionally requires every check
// to pass.
func New(checks ...Check) *Handler {
	return &Handler{checks: checks}
}

// SetReady marks the handler as ready.
func (h *Handler) SetReady() {
	h.ready.Store(true)
}

// SetNotReady marks the handler as not ready.
func (h *Handler) SetNotReady() {
	h.ready.Store(false)
}

// Healthz handles liveness probes.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz handles readiness probes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var failed []string
	for _, check := range h.checks {
		if check.Run == nil {
			continue
		}
		if err := check.Run(ctx); err != nil {
			failed = append(failed, check.Name+": "+err.Error())
		}
	}
	if len(failed) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failed, "; ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
