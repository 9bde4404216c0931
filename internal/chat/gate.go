package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/codex-k8s/quota-mcp-server/internal/email"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
)

// Outcome classifies a gate reply.
type Outcome string

// Gate outcomes.
const (
	// OutcomeWithinLimit means the session may keep chatting.
	OutcomeWithinLimit Outcome = "within_limit"
	// OutcomeLimitReached means the limit is hit and the message carried no address.
	OutcomeLimitReached Outcome = "limit_reached"
	// OutcomeCreated means a new extension request was recorded.
	OutcomeCreated Outcome = "created"
	// OutcomePending means the session already waits for a decision.
	OutcomePending Outcome = "pending"
)

// Workflow is the part of the approval workflow the gate drives.
type Workflow interface {
	CreateRequest(ctx context.Context, sessionID, addr string) (extension.Request, error)
	PendingFor(sessionID string) (extension.Request, bool)
}

// Limits resolves effective per-session limits.
type Limits interface {
	EffectiveLimit(sessionID string, base int) int
}

// Status is the quota position of one session.
type Status struct {
	SessionID    string `json:"session_id"`
	Used         int    `json:"used"`
	BaseLimit    int    `json:"base_limit"`
	Granted      int    `json:"queries_granted"`
	MaxQueries   int    `json:"max_queries"`
	Remaining    int    `json:"remaining"`
	LimitReached bool   `json:"limit_reached"`
	Pending      bool   `json:"extension_pending"`
}

// Reply is what the chat layer shows the user.
type Reply struct {
	Outcome Outcome            `json:"outcome"`
	Message string             `json:"message"`
	Status  Status             `json:"status"`
	Request *extension.Request `json:"-"`
}

// Options configures a Gate.
type Options struct {
	Workflow  Workflow
	Limits    Limits
	Extractor email.Extractor
	Renderer  templates.Renderer
	BaseLimit int
	Logger    *slog.Logger
}

// Gate decides what happens when a session talks past its query limit.
type Gate struct {
	workflow  Workflow
	limits    Limits
	extractor email.Extractor
	renderer  templates.Renderer
	baseLimit int
	logger    *slog.Logger
}

// NewGate creates a Gate.
func NewGate(opts Options) *Gate {
	g := &Gate{
		workflow:  opts.Workflow,
		limits:    opts.Limits,
		extractor: opts.Extractor,
		renderer:  opts.Renderer,
		baseLimit: opts.BaseLimit,
		logger:    opts.Logger,
	}
	if g.extractor == nil {
		g.extractor = email.RegexExtractor{}
	}
	return g
}

// Status reports the quota position of sessionID after used queries.
func (g *Gate) Status(sessionID string, used int) Status {
	sessionID = strings.TrimSpace(sessionID)
	if used < 0 {
		used = 0
	}
	limit := g.baseLimit
	if g.limits != nil {
		limit = g.limits.EffectiveLimit(sessionID, g.baseLimit)
	}
	st := Status{
		SessionID:    sessionID,
		Used:         used,
		BaseLimit:    g.baseLimit,
		Granted:      limit - g.baseLimit,
		MaxQueries:   limit,
		Remaining:    max(limit-used, 0),
		LimitReached: used >= limit,
	}
	if g.workflow != nil {
		_, st.Pending = g.workflow.PendingFor(sessionID)
	}
	return st
}

// HandleLimitMessage processes a chat message for a session. Within the limit it only
// reports the status. At the limit it looks for an email address and files an extension
// request when the session has none pending.
func (g *Gate) HandleLimitMessage(ctx context.Context, sessionID string, used int, message string) (Reply, error) {
	st := g.Status(sessionID, used)
	if !st.LimitReached {
		return Reply{
			Outcome: OutcomeWithinLimit,
			Message: g.render("chat.within_limit", st, strconv.Itoa(st.Remaining)+" of "+strconv.Itoa(st.MaxQueries)+" questions remaining."),
			Status:  st,
		}, nil
	}

	addr, found := g.extractor.Extract(message)
	if !found {
		return g.limitReply(st), nil
	}
	if st.Pending {
		return g.pendingReply(st, nil), nil
	}

	req, err := g.workflow.CreateRequest(ctx, st.SessionID, addr)
	switch {
	case err == nil:
		st.Pending = true
		return Reply{
			Outcome: OutcomeCreated,
			Message: g.render("chat.extension_received", st, "Extension request received! We'll review your request and may extend your session. Check back shortly."),
			Status:  st,
			Request: &req,
		}, nil
	case errors.Is(err, extension.ErrDuplicate):
		st.Pending = true
		return g.pendingReply(st, &req), nil
	case errors.Is(err, extension.ErrValidation):
		if g.logger != nil {
			g.logger.Debug("extension address rejected", "session_id", st.SessionID, "error", err)
		}
		return g.limitReply(st), nil
	default:
		return Reply{}, err
	}
}

func (g *Gate) limitReply(st Status) Reply {
	if st.Pending {
		return g.pendingReply(st, nil)
	}
	return Reply{
		Outcome: OutcomeLimitReached,
		Message: g.render("chat.limit_reached", st, "You have reached the maximum of "+strconv.Itoa(st.MaxQueries)+" questions for this session. To request more questions, send a message with your email address."),
		Status:  st,
	}
}

func (g *Gate) pendingReply(st Status, req *extension.Request) Reply {
	return Reply{
		Outcome: OutcomePending,
		Message: g.render("chat.extension_pending", st, "Your extension request is pending review. Please check back later."),
		Status:  st,
		Request: req,
	}
}

func (g *Gate) render(key string, st Status, fallback string) string {
	return templates.RenderOr(g.renderer, key, st, fallback)
}
