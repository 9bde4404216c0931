package extension

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an extension request.
type Status string

// Request statuses. Pending is the only non-terminal state.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// StatusAll selects every status when filtering.
const StatusAll = "all"

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied:
		return true
	default:
		return false
	}
}

// ParseFilter normalizes a status filter. Empty and "all" both select every status.
func ParseFilter(raw string) (Status, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == StatusAll {
		return "", nil
	}
	status := Status(value)
	if !status.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return status, nil
}

// Request is one extension request attempt as recorded in the ledger.
type Request struct {
	// ID is unique per attempt: session id plus the creation second.
	ID string
	// SessionID identifies the chat session whose quota may be extended.
	SessionID string
	// Email is the contact address captured at creation.
	Email string
	// CreatedAt is the creation instant.
	CreatedAt time.Time
	// Status is the current lifecycle state.
	Status Status
	// QueriesGranted is zero until approval.
	QueriesGranted int
	// ResolvedAt is set on approval or denial.
	ResolvedAt *time.Time
}

// Pending reports whether the request still awaits a decision.
func (r Request) Pending() bool {
	return r.Status == StatusPending
}

// Grant is the approved extra quota for a session.
type Grant struct {
	// SessionID is the session the grant applies to.
	SessionID string
	// QueriesGranted is added to the session's base limit.
	QueriesGranted int
	// RequestID points back at the approving request.
	RequestID string
	// ApprovedAt is the approval instant of that request.
	ApprovedAt time.Time
	// Email is copied from the approving request for audit display.
	Email string
}

// GrantPolicy decides how a repeated approval for the same session combines with the
// session's existing grant.
type GrantPolicy string

// Grant policies. Replace keeps only the latest approval's amount; Add accumulates.
const (
	PolicyReplace GrantPolicy = "replace"
	PolicyAdd     GrantPolicy = "add"
)

// Valid reports whether p is a known policy.
func (p GrantPolicy) Valid() bool {
	return p == PolicyReplace || p == PolicyAdd
}

// Apply returns the grant that results from approving req on top of existing.
// req must be approved and carry ResolvedAt.
func (p GrantPolicy) Apply(existing *Grant, req Request) Grant {
	grant := Grant{
		SessionID:      req.SessionID,
		QueriesGranted: req.QueriesGranted,
		RequestID:      req.ID,
		Email:          req.Email,
	}
	if req.ResolvedAt != nil {
		grant.ApprovedAt = *req.ResolvedAt
	}
	if p == PolicyAdd && existing != nil {
		grant.QueriesGranted += existing.QueriesGranted
	}
	return grant
}
