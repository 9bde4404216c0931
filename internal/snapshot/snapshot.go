package snapshot

import (
	"sort"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

// Snapshot is the session -> grant mapping. Keys keep their first-insertion order so the
// file layout is stable across rewrites.
type Snapshot struct {
	order  []string
	grants map[string]extension.Grant
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{grants: make(map[string]extension.Grant)}
}

// Get returns the grant for sessionID.
func (s *Snapshot) Get(sessionID string) (extension.Grant, bool) {
	if s == nil {
		return extension.Grant{}, false
	}
	g, ok := s.grants[sessionID]
	return g, ok
}

// Set inserts or replaces the grant for g.SessionID.
func (s *Snapshot) Set(g extension.Grant) {
	if _, ok := s.grants[g.SessionID]; !ok {
		s.order = append(s.order, g.SessionID)
	}
	s.grants[g.SessionID] = g
}

// Len returns the number of sessions with a grant.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Grants returns all grants in key order.
func (s *Snapshot) Grants() []extension.Grant {
	if s == nil {
		return nil
	}
	out := make([]extension.Grant, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.grants[key])
	}
	return out
}

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	out := New()
	if s == nil {
		return out
	}
	out.order = append(out.order, s.order...)
	for k, v := range s.grants {
		out.grants[k] = v
	}
	return out
}

// Rebuild derives the snapshot from folded ledger states (see ledger.Fold). Approved
// requests are applied in approval order; ties keep ledger order.
func Rebuild(states []extension.Request, policy extension.GrantPolicy) *Snapshot {
	approved := make([]extension.Request, 0, len(states))
	for _, st := range states {
		if st.Status == extension.StatusApproved && st.ResolvedAt != nil {
			approved = append(approved, st)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		return approved[i].ResolvedAt.Before(*approved[j].ResolvedAt)
	})

	out := New()
	for _, req := range approved {
		var existing *extension.Grant
		if g, ok := out.Get(req.SessionID); ok {
			existing = &g
		}
		out.Set(policy.Apply(existing, req))
	}
	return out
}
