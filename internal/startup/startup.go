package startup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

// Maintainer checks and repairs the grant snapshot against the ledger.
type Maintainer interface {
	Verify() (workflow.VerifyReport, error)
	Rebuild(ctx context.Context) (*snapshot.Snapshot, error)
}

// Refresher reloads the in-memory quota view.
type Refresher interface {
	Refresh() error
}

// Reconcile runs once before serving. A snapshot file that drifted from the ledger or
// cannot be read is rebuilt, then the quota view is reloaded. It reports whether a
// rebuild happened.
func Reconcile(ctx context.Context, m Maintainer, r Refresher, logger *slog.Logger) (bool, error) {
	rebuilt := false
	report, err := m.Verify()
	switch {
	case err != nil:
		if logger != nil {
			logger.Warn("snapshot unreadable, rebuilding from ledger", "error", err)
		}
		rebuilt = true
	case !report.Consistent():
		if logger != nil {
			logger.Warn("snapshot drifted from ledger, rebuilding", "sessions", len(report.Drift))
		}
		rebuilt = true
	default:
		if logger != nil {
			logger.Info("snapshot consistent with ledger", "requests", report.Requests, "pending", report.Pending, "grants", report.Grants)
		}
	}

	if rebuilt {
		if _, err := m.Rebuild(ctx); err != nil {
			return false, fmt.Errorf("rebuild snapshot: %w", err)
		}
	}
	if r != nil {
		if err := r.Refresh(); err != nil {
			return rebuilt, fmt.Errorf("load quota view: %w", err)
		}
	}
	return rebuilt, nil
}
