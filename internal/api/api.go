package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/chat"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
)

// AdminKeyHeader carries the admin key on admin routes.
const AdminKeyHeader = "X-Admin-Key"

const maxBodyBytes = 64 << 10

// Gate answers chat-side quota questions.
type Gate interface {
	Status(sessionID string, used int) chat.Status
	HandleLimitMessage(ctx context.Context, sessionID string, used int, message string) (chat.Reply, error)
}

// Workflow is the admin side of the approval workflow.
type Workflow interface {
	Approve(ctx context.Context, requestID string, queries int) (extension.Grant, error)
	Deny(ctx context.Context, requestID string) (extension.Request, error)
	ListRequests(status extension.Status) ([]extension.Request, error)
	Get(requestID string) (extension.Request, error)
}

// Options configures a Handler.
type Options struct {
	Gate     Gate
	Workflow Workflow
	// AdminKey guards admin routes. Admin routes are not registered when empty.
	AdminKey     string
	AdminPrefix  string
	ChatPrefix   string
	DefaultGrant int
	Templates    templates.Renderer
	Audit        audit.Logger
	Logger       *slog.Logger
}

// Handler serves the chat and admin REST API.
type Handler struct {
	opts Options
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	opts.AdminPrefix = cleanPrefix(opts.AdminPrefix)
	opts.ChatPrefix = cleanPrefix(opts.ChatPrefix)
	return &Handler{opts: opts}
}

// Router builds a router with every route registered and metrics applied.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metricsMiddleware)
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts the API on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	if h.opts.Gate != nil {
		chatRouter := router.PathPrefix(h.opts.ChatPrefix).Subrouter()
		chatRouter.HandleFunc("/sessions/{id}/quota", h.GetQuota).Methods(http.MethodGet)
		chatRouter.HandleFunc("/sessions/{id}/extension", h.RequestExtension).Methods(http.MethodPost)
	}

	if h.opts.Workflow == nil || h.opts.AdminKey == "" {
		if h.opts.Logger != nil {
			h.opts.Logger.Info("admin api disabled", "admin_key_set", h.opts.AdminKey != "")
		}
		return
	}
	admin := router.PathPrefix(h.opts.AdminPrefix).Subrouter()
	admin.Use(h.requireAdminKey)
	admin.HandleFunc("/extension-requests", h.ListRequests).Methods(http.MethodGet)
	admin.HandleFunc("/extension-requests/{id}", h.GetRequest).Methods(http.MethodGet)
	admin.HandleFunc("/extension-requests/{id}/approve", h.ApproveRequest).Methods(http.MethodPost)
	admin.HandleFunc("/extension-requests/{id}/deny", h.DenyRequest).Methods(http.MethodPost)
}

// GetQuota reports the quota position of a session.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	used, err := usedParam(r.URL.Query().Get("used"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st := h.opts.Gate.Status(mux.Vars(r)["id"], used)
	decision := protocol.DecisionWithinLimit
	if st.LimitReached {
		decision = protocol.DecisionLimitReached
	}
	writeJSON(w, http.StatusOK, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      decision,
		CorrelationID: correlationID(r),
		Quota:         quotaView(st),
	})
}

type extensionBody struct {
	Message string `json:"message"`
	Used    int    `json:"used"`
}

// RequestExtension handles a chat message sent at the limit.
func (h *Handler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	var body extensionBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	reply, err := h.opts.Gate.HandleLimitMessage(r.Context(), mux.Vars(r)["id"], body.Used, body.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      string(reply.Outcome),
		Reason:        reply.Message,
		CorrelationID: correlationID(r),
		Quota:         quotaView(reply.Status),
	}
	code := http.StatusOK
	if reply.Request != nil {
		view := protocol.NewRequestView(*reply.Request)
		resp.Request = &view
	}
	if reply.Outcome == chat.OutcomeCreated {
		code = http.StatusCreated
	}
	writeJSON(w, code, resp)
}

// ListRequests lists requests, pending by default.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if strings.TrimSpace(raw) == "" {
		raw = string(extension.StatusPending)
	}
	status, err := extension.ParseFilter(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reqs, err := h.opts.Workflow.ListRequests(status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      protocol.DecisionOK,
		CorrelationID: correlationID(r),
		Requests:      protocol.NewRequestViews(reqs),
	})
}

// GetRequest returns one request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.opts.Workflow.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := protocol.NewRequestView(req)
	writeJSON(w, http.StatusOK, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      string(req.Status),
		CorrelationID: correlationID(r),
		Request:       &view,
	})
}

type approveBody struct {
	QueriesGranted *int `json:"queries_granted"`
}

// ApproveRequest approves a pending request.
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	queries := h.opts.DefaultGrant
	if body.QueriesGranted != nil {
		queries = *body.QueriesGranted
	}
	grant, err := h.opts.Workflow.Approve(r.Context(), mux.Vars(r)["id"], queries)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := protocol.NewGrantView(grant)
	writeJSON(w, http.StatusOK, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      protocol.DecisionApproved,
		Reason:        templates.RenderOr(h.opts.Templates, "admin.approved", grant, "Extension approved"),
		CorrelationID: correlationID(r),
		Grant:         &view,
	})
}

// DenyRequest denies a pending request.
func (h *Handler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.opts.Workflow.Deny(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := protocol.NewRequestView(req)
	writeJSON(w, http.StatusOK, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      protocol.DecisionDenied,
		Reason:        templates.RenderOr(h.opts.Templates, "admin.denied", req, "Extension request denied"),
		CorrelationID: correlationID(r),
		Request:       &view,
	})
}

func (h *Handler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.AdminKey)) != 1 {
			h.opts.Audit.Record(r.Context(), audit.Event{Type: audit.TypeUnauthorized, CorrelationID: correlationID(r), Reason: r.URL.Path})
			writeJSON(w, http.StatusUnauthorized, protocol.ToolResponse{
				Status:        protocol.StatusDenied,
				Decision:      protocol.DecisionUnauthorized,
				Reason:        "invalid admin key",
				CorrelationID: correlationID(r),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	id := correlationID(r)
	_, _, code := protocol.Classify(err)
	if h.opts.Logger != nil {
		if extension.Expected(err) {
			h.opts.Logger.Debug("api request rejected", "path", r.URL.Path, "correlation_id", id, "error", err)
		} else {
			h.opts.Logger.Error("api request failed", "path", r.URL.Path, "correlation_id", id, "error", err)
		}
	}
	writeJSON(w, code, protocol.ErrorResponse(err, h.opts.Templates, id))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &extension.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

func usedParam(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	used, err := strconv.Atoi(raw)
	if err != nil || used < 0 {
		return 0, &extension.ValidationError{Field: "used", Reason: "must be a non-negative integer"}
	}
	return used, nil
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func cleanPrefix(prefix string) string {
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return ""
	}
	return prefix
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
