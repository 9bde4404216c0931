package runtime

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/quota-mcp-server/internal/chat"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
)

// CheckQuotaInput is the check_quota argument set.
type CheckQuotaInput struct {
	SessionID     string `json:"session_id" jsonschema:"chat session id"`
	Used          int    `json:"used,omitempty" jsonschema:"queries already used in the session"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in CheckQuotaInput) correlation() string { return in.CorrelationID }
func (CheckQuotaInput) adminKey() string         { return "" }

// RequestExtensionInput is the request_extension argument set.
type RequestExtensionInput struct {
	SessionID     string `json:"session_id" jsonschema:"chat session id"`
	Used          int    `json:"used,omitempty" jsonschema:"queries already used in the session"`
	Message       string `json:"message" jsonschema:"the user's chat message; an email address in it files an extension request"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in RequestExtensionInput) correlation() string { return in.CorrelationID }
func (RequestExtensionInput) adminKey() string         { return "" }

// ListRequestsInput is the list_extension_requests argument set.
type ListRequestsInput struct {
	Status        string `json:"status,omitempty" jsonschema:"pending (default), approved, denied or all"`
	Limit         int    `json:"limit,omitempty" jsonschema:"maximum number of requests, newest first"`
	AdminKey      string `json:"admin_key" jsonschema:"admin key"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in ListRequestsInput) correlation() string { return in.CorrelationID }
func (in ListRequestsInput) adminKey() string    { return in.AdminKey }

// GetRequestInput is the get_extension_request argument set.
type GetRequestInput struct {
	RequestID     string `json:"request_id" jsonschema:"extension request id"`
	AdminKey      string `json:"admin_key" jsonschema:"admin key"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in GetRequestInput) correlation() string { return in.CorrelationID }
func (in GetRequestInput) adminKey() string    { return in.AdminKey }

// ApproveInput is the approve_extension argument set.
type ApproveInput struct {
	RequestID      string `json:"request_id" jsonschema:"extension request id"`
	QueriesGranted *int   `json:"queries_granted,omitempty" jsonschema:"extra queries to grant; defaults to the configured default grant"`
	AdminKey       string `json:"admin_key" jsonschema:"admin key"`
	CorrelationID  string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in ApproveInput) correlation() string { return in.CorrelationID }
func (in ApproveInput) adminKey() string    { return in.AdminKey }

// DenyInput is the deny_extension argument set.
type DenyInput struct {
	RequestID     string `json:"request_id" jsonschema:"extension request id"`
	AdminKey      string `json:"admin_key" jsonschema:"admin key"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"optional id linking related calls"`
}

func (in DenyInput) correlation() string { return in.CorrelationID }
func (in DenyInput) adminKey() string    { return in.AdminKey }

func (b Builder) addChatTools(server *mcp.Server) {
	register(b, server, &mcp.Tool{
		Name:        "check_quota",
		Title:       "Check session quota",
		Description: "Returns the effective query limit of a chat session, including approved extensions.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, toolOptions{}, func(_ context.Context, in CheckQuotaInput, correlationID string) protocol.ToolResponse {
		if strings.TrimSpace(in.SessionID) == "" {
			return b.errorResponse(&extension.ValidationError{Field: "session_id", Reason: "is required"}, correlationID)
		}
		st := b.Gate.Status(in.SessionID, in.Used)
		decision := protocol.DecisionWithinLimit
		if st.LimitReached {
			decision = protocol.DecisionLimitReached
		}
		return protocol.ToolResponse{
			Status:   protocol.StatusSuccess,
			Decision: decision,
			Quota:    quotaView(st),
		}
	})

	register(b, server, &mcp.Tool{
		Name:        "request_extension",
		Title:       "Request a quota extension",
		Description: "Handles a chat message sent at the query limit. When the message contains an email address and no request is pending, files an extension request for operator review.",
	}, toolOptions{}, func(ctx context.Context, in RequestExtensionInput, correlationID string) protocol.ToolResponse {
		if strings.TrimSpace(in.SessionID) == "" {
			return b.errorResponse(&extension.ValidationError{Field: "session_id", Reason: "is required"}, correlationID)
		}
		reply, err := b.Gate.HandleLimitMessage(ctx, in.SessionID, in.Used, in.Message)
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		resp := protocol.ToolResponse{
			Status:   protocol.StatusSuccess,
			Decision: outcomeDecision(reply.Outcome),
			Reason:   reply.Message,
			Quota:    quotaView(reply.Status),
		}
		if reply.Request != nil {
			view := protocol.NewRequestView(*reply.Request)
			resp.Request = &view
		}
		return resp
	})
}

func (b Builder) addAdminTools(server *mcp.Server) {
	destructive := true

	register(b, server, &mcp.Tool{
		Name:        "list_extension_requests",
		Title:       "List extension requests",
		Description: "Lists extension requests by status, newest first.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, toolOptions{admin: true}, func(_ context.Context, in ListRequestsInput, correlationID string) protocol.ToolResponse {
		raw := in.Status
		if strings.TrimSpace(raw) == "" {
			raw = string(extension.StatusPending)
		}
		status, err := extension.ParseFilter(raw)
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		reqs, err := b.Workflow.ListRequests(status)
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		if in.Limit > 0 && len(reqs) > in.Limit {
			reqs = reqs[:in.Limit]
		}
		return protocol.ToolResponse{
			Status:   protocol.StatusSuccess,
			Decision: protocol.DecisionOK,
			Requests: protocol.NewRequestViews(reqs),
		}
	})

	register(b, server, &mcp.Tool{
		Name:        "get_extension_request",
		Title:       "Get an extension request",
		Description: "Returns the current state of one extension request.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, toolOptions{admin: true}, func(_ context.Context, in GetRequestInput, correlationID string) protocol.ToolResponse {
		req, err := b.Workflow.Get(strings.TrimSpace(in.RequestID))
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		view := protocol.NewRequestView(req)
		return protocol.ToolResponse{Status: protocol.StatusSuccess, Decision: string(req.Status), Request: &view}
	})

	register(b, server, &mcp.Tool{
		Name:        "approve_extension",
		Title:       "Approve an extension request",
		Description: "Approves a pending extension request and grants extra queries to its session.",
		Annotations: &mcp.ToolAnnotations{DestructiveHint: &destructive},
	}, toolOptions{admin: true, cached: true}, func(ctx context.Context, in ApproveInput, correlationID string) protocol.ToolResponse {
		queries := b.DefaultGrant
		if in.QueriesGranted != nil {
			queries = *in.QueriesGranted
		}
		grant, err := b.Workflow.Approve(ctx, strings.TrimSpace(in.RequestID), queries)
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		view := protocol.NewGrantView(grant)
		return protocol.ToolResponse{
			Status:   protocol.StatusSuccess,
			Decision: protocol.DecisionApproved,
			Reason:   templates.RenderOr(b.Templates, "admin.approved", grant, "Extension approved"),
			Grant:    &view,
		}
	})

	register(b, server, &mcp.Tool{
		Name:        "deny_extension",
		Title:       "Deny an extension request",
		Description: "Denies a pending extension request. The session's limit is unchanged.",
		Annotations: &mcp.ToolAnnotations{DestructiveHint: &destructive},
	}, toolOptions{admin: true, cached: true}, func(ctx context.Context, in DenyInput, correlationID string) protocol.ToolResponse {
		req, err := b.Workflow.Deny(ctx, strings.TrimSpace(in.RequestID))
		if err != nil {
			return b.errorResponse(err, correlationID)
		}
		view := protocol.NewRequestView(req)
		return protocol.ToolResponse{
			Status:   protocol.StatusSuccess,
			Decision: protocol.DecisionDenied,
			Reason:   templates.RenderOr(b.Templates, "admin.denied", req, "Extension request denied"),
			Request:  &view,
		}
	})
}

func quotaView(st chat.Status) *protocol.QuotaView {
	return &protocol.QuotaView{
		SessionID:        st.SessionID,
		Used:             st.Used,
		BaseLimit:        st.BaseLimit,
		QueriesGranted:   st.Granted,
		MaxQueries:       st.MaxQueries,
		Remaining:        st.Remaining,
		LimitReached:     st.LimitReached,
		ExtensionPending: st.Pending,
	}
}

func outcomeDecision(o chat.Outcome) string {
	switch o {
	case chat.OutcomeCreated:
		return protocol.DecisionCreated
	case chat.OutcomePending:
		return protocol.DecisionPending
	case chat.OutcomeLimitReached:
		return protocol.DecisionLimitReached
	default:
		return protocol.DecisionWithinLimit
	}
}
