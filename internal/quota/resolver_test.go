package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
)

type fakeSource struct {
	mu      sync.Mutex
	snap    *snapshot.Snapshot
	modTime time.Time
	loadErr error
	loads   int
}

func (f *fakeSource) Load() (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.snap.Clone(), nil
}

func (f *fakeSource) ModTime() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modTime, nil
}

func (f *fakeSource) set(snap *snapshot.Snapshot, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.modTime = modTime
}

func (f *fakeSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func grants(pairs map[string]int) *snapshot.Snapshot {
	snap := snapshot.New()
	for session, n := range pairs {
		snap.Set(extension.Grant{SessionID: session, QueriesGranted: n, RequestID: session + "_1"})
	}
	return snap
}

func TestEffectiveLimit(t *testing.T) {
	src := &fakeSource{snap: grants(map[string]int{"abc": 10}), modTime: time.Unix(100, 0)}
	r := NewResolver(src, nil)

	fallbacks := 0
	r.OnFallback = func() { fallbacks++ }
	if got := r.EffectiveLimit("abc", 20); got != 20 || fallbacks != 1 {
		t.Fatalf("before refresh = %d (fallbacks %d)", got, fallbacks)
	}

	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	tests := []struct {
		session string
		base    int
		want    int
	}{
		{session: "abc", base: 20, want: 30},
		{session: "abc", base: 0, want: 10},
		{session: "other", base: 20, want: 20},
	}
	for _, tt := range tests {
		if got := r.EffectiveLimit(tt.session, tt.base); got != tt.want {
			t.Fatalf("EffectiveLimit(%s, %d) = %d, want %d", tt.session, tt.base, got, tt.want)
		}
	}
	if fallbacks != 1 {
		t.Fatalf("fallbacks = %d after refresh", fallbacks)
	}
}

func TestRefreshFailureKeepsView(t *testing.T) {
	src := &fakeSource{snap: grants(map[string]int{"abc": 10}), modTime: time.Unix(100, 0)}
	r := NewResolver(src, nil)
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	src.mu.Lock()
	src.loadErr = errors.New("corrupt")
	src.mu.Unlock()
	if err := r.Refresh(); err == nil {
		t.Fatalf("Refresh() with broken source succeeded")
	}
	if got := r.EffectiveLimit("abc", 20); got != 30 {
		t.Fatalf("EffectiveLimit() after failed refresh = %d, want 30", got)
	}
}

func TestPublishIsolatesCallerSnapshot(t *testing.T) {
	r := NewResolver(nil, nil)
	snap := grants(map[string]int{"abc": 5})
	r.Publish(snap)
	snap.Set(extension.Grant{SessionID: "abc", QueriesGranted: 50})
	if got := r.EffectiveLimit("abc", 20); got != 25 {
		t.Fatalf("EffectiveLimit() = %d, want 25", got)
	}
	r.Publish(nil)
	if got := r.EffectiveLimit("abc", 20); got != 25 {
		t.Fatalf("Publish(nil) replaced view: %d", got)
	}
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() without source = %v", err)
	}
}

// blockingSource parks Load until release is closed.
type blockingSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) Load() (*snapshot.Snapshot, error) {
	close(b.entered)
	<-b.release
	return b.fakeSource.Load()
}

func TestPublishWinsOverInFlightRefresh(t *testing.T) {
	src := &blockingSource{
		fakeSource: fakeSource{snap: grants(nil), modTime: time.Unix(100, 0)},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	r := NewResolver(src, nil)

	refreshed := make(chan error, 1)
	go func() { refreshed <- r.Refresh() }()
	<-src.entered

	published := make(chan struct{})
	go func() {
		r.Publish(grants(map[string]int{"abc": 10}))
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)
	close(src.release)

	if err := <-refreshed; err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	<-published
	if got := r.EffectiveLimit("abc", 20); got != 30 {
		t.Fatalf("EffectiveLimit() = %d, want 30 from the published view", got)
	}
}

func TestRunPicksUpExternalChanges(t *testing.T) {
	src := &fakeSource{snap: grants(nil), modTime: time.Unix(100, 0)}
	r := NewResolver(src, nil)
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if n := src.loadCount(); n != 1 {
		t.Fatalf("unchanged file reloaded %d times", n)
	}

	src.set(grants(map[string]int{"abc": 7}), time.Unix(200, 0))
	deadline := time.Now().Add(2 * time.Second)
	for r.EffectiveLimit("abc", 20) != 27 {
		if time.Now().After(deadline) {
			t.Fatalf("external change not observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRunDisabledInterval(t *testing.T) {
	r := NewResolver(&fakeSource{snap: grants(nil)}, nil)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run(0) blocked")
	}
}
