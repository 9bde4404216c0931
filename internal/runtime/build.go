package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/quota-mcp-server/internal/audit"
	"github.com/codex-k8s/quota-mcp-server/internal/chat"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/idempotency"
	"github.com/codex-k8s/quota-mcp-server/internal/metrics"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/security"
	"github.com/codex-k8s/quota-mcp-server/internal/templates"
)

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

// Builder constructs an MCP server exposing the quota tools.
type Builder struct {
	// Logger is used for structured logging.
	Logger *slog.Logger
	// Audit records tool events.
	Audit audit.Logger
	// Templates provides localized messages.
	Templates templates.Renderer
	// Cache stores responses of mutating admin tools.
	Cache *idempotency.Cache[protocol.ToolResponse]
	// CacheKeyStrategy selects how cache keys are computed.
	CacheKeyStrategy string
	// Gate serves check_quota and request_extension.
	Gate Gate
	// Workflow serves the admin tools.
	Workflow Workflow
	// AdminKey must accompany admin tool calls. Admin tools are not registered without it.
	AdminKey string
	// DefaultGrant applies when approve_extension omits queries_granted.
	DefaultGrant int
	// Timeout bounds each tool call; zero means no limit.
	Timeout time.Duration
}

// Build creates an MCP server with the chat tools and, when enabled, the admin tools.
func (b Builder) Build(cfg *dsl.Config) (*mcp.Server, error) {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	b.addChatTools(server)
	if cfg.Admin.Enabled && b.AdminKey != "" && b.Workflow != nil {
		b.addAdminTools(server)
	} else if b.Logger != nil {
		b.Logger.Info("admin tools disabled", "admin_enabled", cfg.Admin.Enabled, "admin_key_set", b.AdminKey != "")
	}
	return server, nil
}

// toolInput is implemented by every tool input struct.
type toolInput interface {
	correlation() string
	adminKey() string
}

type toolOptions struct {
	admin  bool
	cached bool
}

// register wires one typed tool with the shared logging, audit, auth, cache and metrics
// steps around run.
func register[In toolInput](b Builder, server *mcp.Server, tool *mcp.Tool, opts toolOptions, run func(ctx context.Context, in In, correlationID string) protocol.ToolResponse) {
	mcp.AddTool(server, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		correlationID, providedID := correlationID(in.correlation())
		if b.Logger != nil {
			b.Logger.Info("tool call", "tool", tool.Name, "correlation_id", correlationID, "args", redactedArgs(in))
		}
		b.record(ctx, audit.Event{Type: audit.TypeToolCall, CorrelationID: correlationID, Decision: tool.Name})

		if opts.admin && !b.authorized(in.adminKey()) {
			b.record(ctx, audit.Event{Type: audit.TypeUnauthorized, CorrelationID: correlationID, Reason: tool.Name})
			resp := protocol.ToolResponse{
				Status:        protocol.StatusDenied,
				Decision:      protocol.DecisionUnauthorized,
				Reason:        "invalid admin key",
				CorrelationID: correlationID,
			}
			metrics.RecordToolCall(tool.Name, resp.Status)
			return nil, resp, nil
		}

		cacheKey := ""
		// Only a caller-supplied correlation id marks a retry; identical arguments alone
		// must reach the workflow so a second resolution reports already_resolved.
		if opts.cached && b.Cache != nil && providedID {
			key, err := buildCacheKey(tool.Name, correlationID, providedID, in, b.CacheKeyStrategy)
			if err != nil {
				if b.Logger != nil {
					b.Logger.Warn("cache key build failed", "tool", tool.Name, "error", err)
				}
			} else {
				cacheKey = key
			}
		}
		if cacheKey != "" {
			if cached, ok := b.Cache.Get(cacheKey); ok {
				cached.CorrelationID = correlationID
				b.record(ctx, audit.Event{Type: audit.TypeCacheHit, CorrelationID: correlationID, Decision: cached.Decision, Reason: tool.Name})
				metrics.RecordToolCall(tool.Name, cached.Status)
				return nil, cached, nil
			}
		}

		ctxTool := ctx
		if b.Timeout > 0 {
			var cancel context.CancelFunc
			ctxTool, cancel = context.WithTimeout(ctx, b.Timeout)
			defer cancel()
		}

		resp := run(ctxTool, in, correlationID)
		resp.CorrelationID = correlationID
		metrics.RecordToolCall(tool.Name, resp.Status)
		if cacheKey != "" && resp.Status == protocol.StatusSuccess {
			b.Cache.Set(cacheKey, resp)
		}
		return nil, resp, nil
	})
}

func (b Builder) authorized(key string) bool {
	if b.AdminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(b.AdminKey)) == 1
}

func (b Builder) record(ctx context.Context, event audit.Event) {
	if b.Audit != nil {
		b.Audit.Record(ctx, event)
	}
}

func (b Builder) errorResponse(err error, correlationID string) protocol.ToolResponse {
	if b.Logger != nil {
		if extension.Expected(err) {
			b.Logger.Debug("tool call rejected", "correlation_id", correlationID, "error", err)
		} else {
			b.Logger.Error("tool call failed", "correlation_id", correlationID, "error", err)
		}
	}
	return protocol.ErrorResponse(err, b.Templates, correlationID)
}

func correlationID(provided string) (string, bool) {
	if provided != "" {
		return provided, true
	}
	return uuid.NewString(), false
}

func redactedArgs(in any) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return security.RedactArguments(args)
}
