package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/email"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/ledger"
	"github.com/codex-k8s/quota-mcp-server/internal/metrics"
	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

const maxSessionIDLength = 128

// EventLog is the durable request ledger.
type EventLog interface {
	Append(req extension.Request) error
	ReplayAll() ([]extension.Request, error)
	State() (ledger.FileState, error)
	Compact(requests []extension.Request) error
}

// GrantStore is the durable grant snapshot.
type GrantStore interface {
	Load() (*snapshot.Snapshot, error)
	Upsert(g extension.Grant) (*snapshot.Snapshot, error)
	Replace(snap *snapshot.Snapshot) error
}

// Publisher receives the committed snapshot after every grant change.
type Publisher interface {
	Publish(snap *snapshot.Snapshot)
}

// Dispatcher sends operator alerts for new requests without blocking the caller.
type Dispatcher interface {
	Dispatch(req extension.Request)
}

// Locker excludes writers in other processes that share the data directory. A nil
// Locker means this process is the only writer.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Options configures a Manager.
type Options struct {
	Ledger    EventLog
	Grants    GrantStore
	Lock      Locker
	Publisher Publisher
	Notifier  Dispatcher
	Audit     audit.Logger
	Logger    *slog.Logger
	// Policy selects how repeated approvals for one session combine.
	Policy extension.GrantPolicy
	// MaxGrant caps queries_granted per approval; zero means no cap.
	MaxGrant int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns the request state machine. All mutations run under one mutex so that
// concurrent transitions on the same request or session resolve deterministically.
// Writes additionally hold the data directory lock and re-read the ledger under it, so
// a second process sharing the directory never commits against stale state.
type Manager struct {
	mu sync.Mutex

	ledger    EventLog
	grants    GrantStore
	lock      Locker
	publisher Publisher
	notifier  Dispatcher
	audit     audit.Logger
	logger    *slog.Logger
	policy    extension.GrantPolicy
	maxGrant  int
	now       func() time.Time

	requests map[string]extension.Request
	pending  map[string]string
	snap     *snapshot.Snapshot
	// seen is the ledger state after our last replay or append.
	seen ledger.FileState
	// snapshotDirty marks a committed approval whose snapshot write failed.
	snapshotDirty bool
}

// New replays the ledger and returns a ready Manager.
func New(opts Options) (*Manager, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is nil")
	}
	if opts.Grants == nil {
		return nil, fmt.Errorf("grant store is nil")
	}
	policy := opts.Policy
	if policy == "" {
		policy = extension.PolicyReplace
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown grant policy %q", policy)
	}
	m := &Manager{
		ledger:    opts.Ledger,
		grants:    opts.Grants,
		lock:      opts.Lock,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		audit:     opts.Audit,
		logger:    opts.Logger,
		policy:    policy,
		maxGrant:  opts.MaxGrant,
		now:       opts.Now,
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reloadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateRequest records a new pending request for sessionID. When the session already
// has a pending request it returns that request together with a *DuplicateRequestError
// and writes nothing.
func (m *Manager) CreateRequest(ctx context.Context, sessionID, addr string) (extension.Request, error) {
	sessionID = strings.TrimSpace(sessionID)
	addr = strings.TrimSpace(addr)
	if err := validateSessionID(sessionID); err != nil {
		return extension.Request{}, err
	}
	if !email.Valid(addr) {
		return extension.Request{}, &extension.ValidationError{Field: "email", Reason: "not a valid address"}
	}

	req, duplicate, err := m.create(ctx, sessionID, addr)
	if err != nil {
		metrics.RecordRequest("error")
		return extension.Request{}, err
	}
	if duplicate {
		metrics.RecordRequest("duplicate")
		m.audit.Record(ctx, audit.Event{Type: audit.TypeRequestDuplicate, RequestID: req.ID, SessionID: sessionID, Email: addr, Decision: string(req.Status)})
		return req, &extension.DuplicateRequestError{Existing: req}
	}

	metrics.RecordRequest("created")
	m.audit.Record(ctx, audit.Event{Type: audit.TypeRequestCreated, RequestID: req.ID, SessionID: sessionID, Email: addr, Decision: string(req.Status)})
	if m.logger != nil {
		m.logger.Info("extension request created", "request_id", req.ID, "session_id", sessionID)
	}
	if m.notifier != nil {
		m.notifier.Dispatch(req)
	}
	return req, nil
}

// create appends a new pending request, or reports the session's existing one.
func (m *Manager) create(ctx context.Context, sessionID, addr string) (extension.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	release, err := m.lockData(ctx)
	if err != nil {
		return extension.Request{}, false, err
	}
	defer release()

	if err := m.syncLocked(); err != nil {
		return extension.Request{}, false, err
	}
	if id, ok := m.pending[sessionID]; ok {
		return m.requests[id], true, nil
	}

	now := timeutil.Normalize(m.now())
	req := extension.Request{
		ID:        m.uniqueIDLocked(sessionID, now),
		SessionID: sessionID,
		Email:     addr,
		CreatedAt: now,
		Status:    extension.StatusPending,
	}
	if err := m.appendLocked(req); err != nil {
		return extension.Request{}, false, err
	}
	m.requests[req.ID] = req
	m.pending[sessionID] = req.ID
	metrics.SetPending(len(m.pending))
	return req, false, nil
}

// Approve resolves a pending request as approved and updates the session's grant.
func (m *Manager) Approve(ctx context.Context, requestID string, queries int) (extension.Grant, error) {
	if queries <= 0 {
		return extension.Grant{}, &extension.ValidationError{Field: "queries_granted", Reason: "must be positive"}
	}
	if m.maxGrant > 0 && queries > m.maxGrant {
		return extension.Grant{}, &extension.ValidationError{Field: "queries_granted", Reason: fmt.Sprintf("must not exceed %d", m.maxGrant)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	release, err := m.lockData(ctx)
	if err != nil {
		return extension.Grant{}, err
	}
	defer release()

	req, err := m.pendingLocked(requestID)
	if err != nil {
		return extension.Grant{}, err
	}
	resolved := timeutil.Normalize(m.now())
	req.Status = extension.StatusApproved
	req.QueriesGranted = queries
	req.ResolvedAt = &resolved
	if err := m.appendLocked(req); err != nil {
		return extension.Grant{}, err
	}
	m.requests[req.ID] = req
	delete(m.pending, req.SessionID)
	metrics.SetPending(len(m.pending))

	var existing *extension.Grant
	if g, ok := m.snap.Get(req.SessionID); ok {
		existing = &g
	}
	grant := m.policy.Apply(existing, req)
	m.snap.Set(grant)
	metrics.RecordResolution(string(extension.StatusApproved))
	m.audit.Record(ctx, audit.Event{Type: audit.TypeRequestApproved, RequestID: req.ID, SessionID: req.SessionID, Email: req.Email, Decision: string(req.Status), Reason: fmt.Sprintf("queries_granted=%d", queries)})

	if err := m.persistGrantLocked(grant); err != nil {
		return grant, err
	}
	return grant, nil
}

// Deny resolves a pending request as denied. The grant snapshot is untouched.
func (m *Manager) Deny(ctx context.Context, requestID string) (extension.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	release, err := m.lockData(ctx)
	if err != nil {
		return extension.Request{}, err
	}
	defer release()

	req, err := m.pendingLocked(requestID)
	if err != nil {
		return extension.Request{}, err
	}
	resolved := timeutil.Normalize(m.now())
	req.Status = extension.StatusDenied
	req.ResolvedAt = &resolved
	if err := m.appendLocked(req); err != nil {
		return extension.Request{}, err
	}
	m.requests[req.ID] = req
	delete(m.pending, req.SessionID)
	metrics.SetPending(len(m.pending))
	metrics.RecordResolution(string(extension.StatusDenied))
	m.audit.Record(ctx, audit.Event{Type: audit.TypeRequestDenied, RequestID: req.ID, SessionID: req.SessionID, Email: req.Email, Decision: string(req.Status)})
	return req, nil
}

// ListRequests returns the latest state of every request matching status (empty means
// all), newest first.
func (m *Manager) ListRequests(status extension.Status) ([]extension.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(); err != nil {
		return nil, err
	}
	out := make([]extension.Request, 0, len(m.requests))
	for _, req := range m.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Get returns the latest state of one request.
func (m *Manager) Get(requestID string) (extension.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(); err != nil {
		return extension.Request{}, err
	}
	req, ok := m.requests[requestID]
	if !ok {
		return extension.Request{}, &extension.NotFoundError{RequestID: requestID}
	}
	return req, nil
}

// PendingFor returns the pending request of sessionID, if any.
func (m *Manager) PendingFor(sessionID string) (extension.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(); err != nil {
		return extension.Request{}, false
	}
	id, ok := m.pending[sessionID]
	if !ok {
		return extension.Request{}, false
	}
	return m.requests[id], true
}

// Snapshot returns a copy of the grant snapshot derived from the ledger.
func (m *Manager) Snapshot() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// lockData takes the data directory lock. The returned func releases it.
func (m *Manager) lockData(ctx context.Context) (func(), error) {
	if m.lock == nil {
		return func() {}, nil
	}
	if err := m.lock.Lock(ctx); err != nil {
		if m.logger != nil {
			m.logger.Error("data lock failed", "error", err)
		}
		return nil, err
	}
	return func() {
		if err := m.lock.Unlock(); err != nil && m.logger != nil {
			m.logger.Warn("data lock release failed", "error", err)
		}
	}, nil
}

func (m *Manager) pendingLocked(requestID string) (extension.Request, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return extension.Request{}, &extension.ValidationError{Field: "request_id", Reason: "is required"}
	}
	if err := m.syncLocked(); err != nil {
		return extension.Request{}, err
	}
	req, ok := m.requests[requestID]
	if !ok {
		return extension.Request{}, &extension.NotFoundError{RequestID: requestID}
	}
	if req.Status != extension.StatusPending {
		return extension.Request{}, &extension.AlreadyResolvedError{RequestID: requestID, Status: req.Status}
	}
	return req, nil
}

func (m *Manager) appendLocked(req extension.Request) error {
	if err := m.ledger.Append(req); err != nil {
		if m.logger != nil {
			m.logger.Error("ledger append failed", "request_id", req.ID, "status", req.Status, "error", err)
		}
		return err
	}
	if state, err := m.ledger.State(); err == nil {
		m.seen = state
	}
	return nil
}

// persistGrantLocked writes the grant to the durable snapshot and publishes the view.
// A failed upsert falls back to a full rewrite from ledger-derived state.
func (m *Manager) persistGrantLocked(grant extension.Grant) error {
	if m.snapshotDirty {
		if err := m.grants.Replace(m.snap); err == nil {
			m.snapshotDirty = false
			m.publish(m.snap)
			return nil
		}
	}
	written, err := m.grants.Upsert(grant)
	if err == nil {
		m.publish(written)
		return nil
	}
	if m.logger != nil {
		m.logger.Warn("snapshot upsert failed; rewriting from ledger", "session_id", grant.SessionID, "error", err)
	}
	if rerr := m.grants.Replace(m.snap); rerr == nil {
		m.publish(m.snap)
		return nil
	}
	m.snapshotDirty = true
	// The ledger holds the approval; serve it from memory until the file is repaired.
	m.publish(m.snap)
	if m.logger != nil {
		m.logger.Error("snapshot write failed", "session_id", grant.SessionID, "error", err)
	}
	return err
}

func (m *Manager) publish(snap *snapshot.Snapshot) {
	if m.publisher != nil {
		m.publisher.Publish(snap)
	}
}

// syncLocked re-replays the ledger when another process appended to it.
func (m *Manager) syncLocked() error {
	state, err := m.ledger.State()
	if err != nil {
		return err
	}
	if state == m.seen {
		return nil
	}
	if m.logger != nil {
		m.logger.Info("ledger changed externally; replaying", "size", state.Size)
	}
	return m.reloadLocked()
}

func (m *Manager) reloadLocked() error {
	state, err := m.ledger.State()
	if err != nil {
		return err
	}
	events, err := m.ledger.ReplayAll()
	if err != nil {
		return err
	}
	states := ledger.Fold(events)

	requests := make(map[string]extension.Request, len(states))
	pending := make(map[string]string)
	for _, st := range states {
		requests[st.ID] = st
		if st.Status == extension.StatusPending {
			if prev, ok := pending[st.SessionID]; ok && m.logger != nil {
				m.logger.Warn("multiple pending requests for session", "session_id", st.SessionID, "kept", st.ID, "previous", prev)
			}
			pending[st.SessionID] = st.ID
		}
	}
	m.requests = requests
	m.pending = pending
	m.snap = snapshot.Rebuild(states, m.policy)
	m.seen = state
	metrics.SetPending(len(pending))
	return nil
}

// uniqueIDLocked derives "<session>_<unix seconds>", advancing the seconds until the
// id is unused.
func (m *Manager) uniqueIDLocked(sessionID string, at time.Time) string {
	secs := at.Unix()
	for {
		id := fmt.Sprintf("%s_%d", sessionID, secs)
		if _, taken := m.requests[id]; !taken {
			return id
		}
		secs++
	}
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return &extension.ValidationError{Field: "session_id", Reason: "is required"}
	}
	if !utf8.ValidString(sessionID) {
		return &extension.ValidationError{Field: "session_id", Reason: "is not valid UTF-8"}
	}
	if len(sessionID) > maxSessionIDLength {
		return &extension.ValidationError{Field: "session_id", Reason: fmt.Sprintf("longer than %d bytes", maxSessionIDLength)}
	}
	for _, r := range sessionID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &extension.ValidationError{Field: "session_id", Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}
