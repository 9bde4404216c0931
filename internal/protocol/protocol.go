package protocol

import (
	"errors"
	"net/http"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

// Tool execution statuses.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Decisions describe what a call did.
const (
	DecisionOK              = "ok"
	DecisionCreated         = "created"
	DecisionPending         = "pending"
	DecisionApproved        = "approved"
	DecisionDenied          = "denied"
	DecisionWithinLimit     = "within_limit"
	DecisionLimitReached    = "limit_reached"
	DecisionInvalid         = "invalid"
	DecisionNotFound        = "not_found"
	DecisionAlreadyResolved = "already_resolved"
	DecisionDuplicate       = "duplicate"
	DecisionUnauthorized    = "unauthorized"
	DecisionError           = "error"
)

// ToolResponse is the fixed JSON response returned to MCP clients.
type ToolResponse struct {
	// Status indicates the execution status.
	Status string `json:"status"`
	// Decision describes the outcome.
	Decision string `json:"decision"`
	// Reason is a human-readable message.
	Reason string `json:"reason,omitempty"`
	// CorrelationID links related requests.
	CorrelationID string `json:"correlation_id"`
	// Quota is set by quota status calls.
	Quota *QuotaView `json:"quota,omitempty"`
	// Request is set by calls that touch one request.
	Request *RequestView `json:"request,omitempty"`
	// Requests is set by list calls.
	Requests []RequestView `json:"requests,omitempty"`
	// Grant is set by approvals.
	Grant *GrantView `json:"grant,omitempty"`
}

// QuotaView is the quota position of one session.
type QuotaView struct {
	SessionID        string `json:"session_id"`
	Used             int    `json:"used"`
	BaseLimit        int    `json:"base_limit"`
	QueriesGranted   int    `json:"queries_granted"`
	MaxQueries       int    `json:"max_queries"`
	Remaining        int    `json:"remaining"`
	LimitReached     bool   `json:"limit_reached"`
	ExtensionPending bool   `json:"extension_pending"`
}

// RequestView is the wire form of an extension request.
type RequestView struct {
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	Email          string `json:"email"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	QueriesGranted int    `json:"queries_granted"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

// GrantView is the wire form of a session grant.
type GrantView struct {
	SessionID      string `json:"session_id"`
	QueriesGranted int    `json:"queries_granted"`
	RequestID      string `json:"request_id"`
	ApprovedAt     string `json:"approved_at"`
	Email          string `json:"email"`
}

// NewRequestView converts a request for the wire.
func NewRequestView(req extension.Request) RequestView {
	view := RequestView{
		RequestID:      req.ID,
		SessionID:      req.SessionID,
		Email:          req.Email,
		Status:         string(req.Status),
		CreatedAt:      timeutil.FormatISO(req.CreatedAt),
		QueriesGranted: req.QueriesGranted,
	}
	if req.ResolvedAt != nil {
		view.ResolvedAt = timeutil.FormatISO(*req.ResolvedAt)
	}
	return view
}

// NewRequestViews converts a list of requests.
func NewRequestViews(reqs []extension.Request) []RequestView {
	out := make([]RequestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, NewRequestView(req))
	}
	return out
}

// NewGrantView converts a grant for the wire.
func NewGrantView(g extension.Grant) GrantView {
	return GrantView{
		SessionID:      g.SessionID,
		QueriesGranted: g.QueriesGranted,
		RequestID:      g.RequestID,
		ApprovedAt:     timeutil.FormatISO(g.ApprovedAt),
		Email:          g.Email,
	}
}

// Classify maps a workflow error to a status, decision and HTTP code.
func Classify(err error) (status, decision string, code int) {
	switch {
	case err == nil:
		return StatusSuccess, DecisionOK, http.StatusOK
	case errors.Is(err, extension.ErrValidation):
		return StatusDenied, DecisionInvalid, http.StatusBadRequest
	case errors.Is(err, extension.ErrNotFound):
		return StatusDenied, DecisionNotFound, http.StatusNotFound
	case errors.Is(err, extension.ErrAlreadyResolved):
		return StatusDenied, DecisionAlreadyResolved, http.StatusConflict
	case errors.Is(err, extension.ErrDuplicate):
		return StatusDenied, DecisionDuplicate, http.StatusConflict
	default:
		return StatusError, DecisionError, http.StatusInternalServerError
	}
}

// Describe renders a user-facing message for a workflow error. Storage details are
// never exposed.
func Describe(err error, r templates.Renderer) string {
	var (
		invalid  *extension.ValidationError
		notFound *extension.NotFoundError
		resolved *extension.AlreadyResolvedError
		dup      *extension.DuplicateRequestError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &invalid):
		return templates.RenderOr(r, "admin.invalid", invalid, invalid.Error())
	case errors.As(err, &notFound):
		return templates.RenderOr(r, "admin.not_found", notFound, "Request not found")
	case errors.As(err, &resolved):
		return templates.RenderOr(r, "admin.already_resolved", resolved, resolved.Error())
	case errors.As(err, &dup):
		return templates.RenderOr(r, "chat.extension_pending", nil, "Your extension request is pending review. Please check back later.")
	default:
		return templates.RenderOr(r, "admin.storage_error", nil, "The request could not be saved. Try again later.")
	}
}

// ErrorResponse builds a ToolResponse for err.
func ErrorResponse(err error, r templates.Renderer, correlationID string) ToolResponse {
	status, decision, _ := Classify(err)
	return ToolResponse{
		Status:        status,
		Decision:      decision,
		Reason:        Describe(err, r),
		CorrelationID: correlationID,
	}
}
