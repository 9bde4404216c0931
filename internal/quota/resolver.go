package quota

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
)

// Source is the durable snapshot the resolver caches.
type Source interface {
	// Load reads the full snapshot.
	Load() (*snapshot.Snapshot, error)
	// ModTime reports when the snapshot last changed on disk.
	ModTime() (time.Time, error)
}

type view struct {
	snap    *snapshot.Snapshot
	modTime time.Time
}

// Resolver computes effective per-session limits from an in-memory snapshot view.
// Reads never touch the disk and never block on writers.
type Resolver struct {
	source Source
	logger *slog.Logger
	// OnFallback is invoked when a lookup degrades to the base limit because no
	// snapshot could be loaded.
	OnFallback func()

	current   atomic.Pointer[view]
	refreshMu sync.Mutex
}

// NewResolver creates a resolver over source. Call Refresh to load the first view.
func NewResolver(source Source, logger *slog.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// EffectiveLimit returns base plus the session's granted queries. Without a loaded
// view it returns base.
func (r *Resolver) EffectiveLimit(sessionID string, base int) int {
	v := r.current.Load()
	if v == nil {
		if r.OnFallback != nil {
			r.OnFallback()
		}
		return base
	}
	if g, ok := v.snap.Get(sessionID); ok {
		return base + g.QueriesGranted
	}
	return base
}

// Publish installs snap as the current view. Writers call it after committing a change.
// It waits for an in-flight Refresh so an older file read never replaces snap.
func (r *Resolver) Publish(snap *snapshot.Snapshot) {
	if snap == nil {
		return
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	modTime := time.Time{}
	if r.source != nil {
		if mt, err := r.source.ModTime(); err == nil {
			modTime = mt
		}
	}
	r.current.Store(&view{snap: snap.Clone(), modTime: modTime})
}

// Refresh reloads the view from the source. On failure the previous view is kept.
func (r *Resolver) Refresh() error {
	if r.source == nil {
		return nil
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	modTime, err := r.source.ModTime()
	if err != nil {
		return err
	}
	snap, err := r.source.Load()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("snapshot refresh failed; keeping previous view", "error", err)
		}
		return err
	}
	r.current.Store(&view{snap: snap, modTime: modTime})
	return nil
}

// refreshIfChanged reloads only when the file modification time moved.
func (r *Resolver) refreshIfChanged() {
	if r.source == nil {
		return
	}
	modTime, err := r.source.ModTime()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("snapshot stat failed", "error", err)
		}
		return
	}
	if v := r.current.Load(); v != nil && v.modTime.Equal(modTime) {
		return
	}
	_ = r.Refresh()
}

// Run polls the source every interval so out-of-process changes become visible.
// It returns when ctx is done.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshIfChanged()
		}
	}
}
