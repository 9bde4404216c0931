package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/quota-mcp-server/internal/chat"
	"github.com/codex-k8s/quota-mcp-server/internal/dsl"
	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/idempotency"
	"github.com/codex-k8s/quota-mcp-server/internal/ledger"
	"github.com/codex-k8s/quota-mcp-server/internal/protocol"
	"github.com/codex-k8s/quota-mcp-server/internal/quota"
	"github.com/codex-k8s/quota-mcp-server/internal/snapshot"
	"github.com/codex-k8s/quota-mcp-server/internal/workflow"
)

const testAdminKey = "s3cret"

func newSession(t *testing.T, adminKey string) *mcp.ClientSession {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, ledger.FileName), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	s, err := snapshot.Open(filepath.Join(dir, snapshot.FileName), nil)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	resolver := quota.NewResolver(s, nil)
	if err := resolver.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	manager, err := workflow.New(workflow.Options{Ledger: l, Grants: s, Publisher: resolver, MaxGrant: 1000})
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	gate := chat.NewGate(chat.Options{Workflow: manager, Limits: resolver, BaseLimit: 20})

	cfg := &dsl.Config{}
	cfg.Server.Name = "quota-test"
	cfg.Server.Version = "test"
	cfg.Admin.Enabled = true

	server, err := Builder{
		Cache:        idempotency.NewCache[protocol.ToolResponse](time.Hour, 100),
		Gate:         gate,
		Workflow:     manager,
		AdminKey:     adminKey,
		DefaultGrant: 10,
	}.Build(cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) protocol.ToolResponse {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error = %v", name, err)
	}
	if res.IsError {
		t.Fatalf("CallTool(%s) returned a tool error: %+v", name, res.Content)
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var resp protocol.ToolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestExtensionRoundTrip(t *testing.T) {
	cs := newSession(t, testAdminKey)

	resp := call(t, cs, "check_quota", map[string]any{"session_id": "abc", "used": 20})
	if resp.Decision != protocol.DecisionLimitReached || resp.Quota == nil || resp.Quota.MaxQueries != 20 {
		t.Fatalf("check_quota = %+v", resp)
	}
	if resp.CorrelationID == "" {
		t.Fatalf("missing correlation id")
	}

	resp = call(t, cs, "request_extension", map[string]any{
		"session_id": "abc",
		"used":       20,
		"message":    "please extend, reach me at u@example.com",
	})
	if resp.Decision != protocol.DecisionCreated || resp.Request == nil {
		t.Fatalf("request_extension = %+v", resp)
	}
	requestID := resp.Request.RequestID

	resp = call(t, cs, "request_extension", map[string]any{
		"session_id": "abc",
		"used":       20,
		"message":    "again u@example.com",
	})
	if resp.Decision != protocol.DecisionPending {
		t.Fatalf("second request_extension decision = %s, want pending", resp.Decision)
	}

	resp = call(t, cs, "list_extension_requests", map[string]any{"admin_key": testAdminKey})
	if len(resp.Requests) != 1 || resp.Requests[0].RequestID != requestID {
		t.Fatalf("list_extension_requests = %+v", resp.Requests)
	}

	resp = call(t, cs, "approve_extension", map[string]any{"request_id": requestID, "admin_key": testAdminKey})
	if resp.Decision != protocol.DecisionApproved || resp.Grant == nil || resp.Grant.QueriesGranted != 10 {
		t.Fatalf("approve_extension = %+v", resp)
	}

	resp = call(t, cs, "check_quota", map[string]any{"session_id": "abc", "used": 20})
	if resp.Decision != protocol.DecisionWithinLimit || resp.Quota.MaxQueries != 30 || resp.Quota.Remaining != 10 {
		t.Fatalf("check_quota after approval = %+v", resp.Quota)
	}

	resp = call(t, cs, "deny_extension", map[string]any{"request_id": requestID, "admin_key": testAdminKey})
	if resp.Status != protocol.StatusDenied || resp.Decision != protocol.DecisionAlreadyResolved {
		t.Fatalf("deny after approve = %+v", resp)
	}

	resp = call(t, cs, "get_extension_request", map[string]any{"request_id": requestID, "admin_key": testAdminKey})
	if resp.Request == nil || resp.Request.Status != string(extension.StatusApproved) {
		t.Fatalf("get_extension_request = %+v", resp)
	}
}

func TestAdminToolsRequireKey(t *testing.T) {
	cs := newSession(t, testAdminKey)

	resp := call(t, cs, "list_extension_requests", map[string]any{"admin_key": "wrong"})
	if resp.Status != protocol.StatusDenied || resp.Decision != protocol.DecisionUnauthorized {
		t.Fatalf("wrong key = %+v", resp)
	}
}

func TestAdminToolsHiddenWithoutKey(t *testing.T) {
	cs := newSession(t, "")

	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	if !names["check_quota"] || !names["request_extension"] {
		t.Fatalf("chat tools missing: %v", names)
	}
	if names["approve_extension"] || names["deny_extension"] {
		t.Fatalf("admin tools registered without a key: %v", names)
	}
}

func TestApproveValidationAndNotFound(t *testing.T) {
	cs := newSession(t, testAdminKey)

	tests := []struct {
		name     string
		args     map[string]any
		decision string
	}{
		{
			name:     "unknown request",
			args:     map[string]any{"request_id": "missing_1", "queries_granted": 5, "admin_key": testAdminKey},
			decision: protocol.DecisionNotFound,
		},
		{
			name:     "zero queries",
			args:     map[string]any{"request_id": "missing_1", "queries_granted": 0, "admin_key": testAdminKey},
			decision: protocol.DecisionInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, cs, "approve_extension", tt.args)
			if resp.Status != protocol.StatusDenied || resp.Decision != tt.decision {
				t.Fatalf("approve_extension = %+v, want decision %s", resp, tt.decision)
			}
		})
	}
}

func TestRepeatedResolutionCachedOnlyByCorrelationID(t *testing.T) {
	cs := newSession(t, testAdminKey)

	resp := call(t, cs, "request_extension", map[string]any{
		"session_id": "abc",
		"used":       20,
		"message":    "reach me at u@example.com",
	})
	if resp.Request == nil {
		t.Fatalf("request_extension = %+v", resp)
	}
	requestID := resp.Request.RequestID

	approve := map[string]any{"request_id": requestID, "admin_key": testAdminKey, "correlation_id": "retry-1"}
	first := call(t, cs, "approve_extension", approve)
	if first.Decision != protocol.DecisionApproved {
		t.Fatalf("first approve = %+v", first)
	}
	retried := call(t, cs, "approve_extension", approve)
	if retried.Decision != protocol.DecisionApproved || retried.CorrelationID != "retry-1" {
		t.Fatalf("retried approve with same correlation id = %+v", retried)
	}

	again := call(t, cs, "approve_extension", map[string]any{"request_id": requestID, "admin_key": testAdminKey})
	if again.Status != protocol.StatusDenied || again.Decision != protocol.DecisionAlreadyResolved {
		t.Fatalf("repeated approve without correlation id = %+v, want already_resolved", again)
	}
	again = call(t, cs, "approve_extension", map[string]any{"request_id": requestID, "admin_key": testAdminKey})
	if again.Decision != protocol.DecisionAlreadyResolved {
		t.Fatalf("third approve = %+v, want already_resolved", again)
	}
}

func TestBuildCacheKey(t *testing.T) {
	in := DenyInput{RequestID: "abc_1", AdminKey: "k"}
	hashed, err := buildCacheKey("deny_extension", "generated", false, in, "")
	if err != nil {
		t.Fatalf("buildCacheKey() error = %v", err)
	}
	other, err := buildCacheKey("deny_extension", "generated-2", false, DenyInput{RequestID: "abc_1", AdminKey: "other"}, "")
	if err != nil {
		t.Fatalf("buildCacheKey() error = %v", err)
	}
	if hashed != other {
		t.Fatalf("keys differ on admin key only: %q vs %q", hashed, other)
	}

	byID, err := buildCacheKey("deny_extension", "cid-1", true, in, "correlation_id")
	if err != nil || byID != "deny_extension:cid-1" {
		t.Fatalf("correlation key = %q, %v", byID, err)
	}
	none, err := buildCacheKey("deny_extension", "generated", false, in, "correlation_id")
	if err != nil || none != "" {
		t.Fatalf("correlation key without provided id = %q, %v", none, err)
	}
	if _, err := buildCacheKey("deny_extension", "x", false, in, "bogus"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}
