package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/ledger"
	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
)

// Drift is one session whose durable grant differs from the ledger-derived grant.
type Drift struct {
	SessionID string
	// Expected is the grant derived from the ledger; nil when the ledger has none.
	Expected *extension.Grant
	// Actual is the grant in the snapshot file; nil when the file has none.
	Actual *extension.Grant
}

// VerifyReport summarizes a consistency check between the ledger and the snapshot file.
type VerifyReport struct {
	Requests int
	Pending  int
	Grants   int
	Drift    []Drift
}

// Consistent reports whether the snapshot file matches the ledger.
func (r VerifyReport) Consistent() bool {
	return len(r.Drift) == 0
}

// Rebuild rewrites the snapshot file from the ledger and publishes it.
func (m *Manager) Rebuild(ctx context.Context) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	release, err := m.lockData(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.reloadLocked(); err != nil {
		return nil, err
	}
	if err := m.grants.Replace(m.snap); err != nil {
		return nil, err
	}
	m.snapshotDirty = false
	m.publish(m.snap)
	m.audit.Record(ctx, audit.Event{Type: audit.TypeSnapshotRebuilt, Reason: fmt.Sprintf("sessions=%d", m.snap.Len())})
	if m.logger != nil {
		m.logger.Info("snapshot rebuilt from ledger", "sessions", m.snap.Len(), "requests", len(m.requests))
	}
	return m.snap.Clone(), nil
}

// Verify compares the snapshot file against the grants derived from the ledger.
// A snapshot file that cannot be parsed is reported as an error.
func (m *Manager) Verify() (VerifyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reloadLocked(); err != nil {
		return VerifyReport{}, err
	}
	onDisk, err := m.grants.Load()
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{
		Requests: len(m.requests),
		Pending:  len(m.pending),
		Grants:   m.snap.Len(),
	}
	for _, want := range m.snap.Grants() {
		got, ok := onDisk.Get(want.SessionID)
		expected := want
		if !ok {
			report.Drift = append(report.Drift, Drift{SessionID: want.SessionID, Expected: &expected})
			continue
		}
		if !sameGrant(want, got) {
			actual := got
			report.Drift = append(report.Drift, Drift{SessionID: want.SessionID, Expected: &expected, Actual: &actual})
		}
	}
	for _, got := range onDisk.Grants() {
		if _, ok := m.snap.Get(got.SessionID); !ok {
			actual := got
			report.Drift = append(report.Drift, Drift{SessionID: got.SessionID, Actual: &actual})
		}
	}
	return report, nil
}

// Compact rewrites the ledger keeping only the latest event per request, in creation
// order. It returns the number of lines dropped.
func (m *Manager) Compact(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	release, err := m.lockData(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	events, err := m.ledger.ReplayAll()
	if err != nil {
		return 0, err
	}
	states := ledger.Fold(events)
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	if err := m.ledger.Compact(states); err != nil {
		return 0, err
	}
	if err := m.reloadLocked(); err != nil {
		return 0, err
	}
	dropped := len(events) - len(states)
	if m.logger != nil {
		m.logger.InfoContext(ctx, "ledger compacted", "requests", len(states), "dropped_events", dropped)
	}
	return dropped, nil
}

// Check reports whether the ledger is still readable.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked()
}

func sameGrant(a, b extension.Grant) bool {
	return a.SessionID == b.SessionID &&
		a.QueriesGranted == b.QueriesGranted &&
		a.RequestID == b.RequestID &&
		a.Email == b.Email &&
		a.ApprovedAt.Equal(b.ApprovedAt)
}
