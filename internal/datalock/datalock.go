// Package datalock serializes writers of one data directory across processes.
package datalock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

// FileName is the advisory lock file inside the data directory.
const FileName = ".lock"

const retryDelay = 10 * time.Millisecond

// Lock is an exclusive advisory lock on <data_dir>/.lock. The server and quotactl
// both hold it around every ledger or snapshot write.
type Lock struct {
	f *flock.Flock
}

// Open prepares the lock for dir without acquiring it.
func Open(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &extension.StorageError{Path: dir, Op: "lock", Err: err}
	}
	return &Lock{f: flock.New(filepath.Join(dir, FileName))}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.f.Path()
}

// Lock blocks until the lock is held or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	ok, err := l.f.TryLockContext(ctx, retryDelay)
	if err != nil {
		return &extension.StorageError{Path: l.f.Path(), Op: "lock", Err: err}
	}
	if !ok {
		return &extension.StorageError{Path: l.f.Path(), Op: "lock", Err: fmt.Errorf("lock not acquired")}
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := l.f.Unlock(); err != nil {
		return &extension.StorageError{Path: l.f.Path(), Op: "unlock", Err: err}
	}
	return nil
}
