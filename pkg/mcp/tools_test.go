package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpike-ai/turnpike/internal/engine"
	"github.com/turnpike-ai/turnpike/internal/pool"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/internal/session"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

func newTestServer(t *testing.T) (*TurnpikeServer, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(30 * time.Minute)
	mp := pool.NewModelPool(nil, slog.Default(), pool.WithClientFactory(func(string) *openai.Client {
		return nil
	}))
	p := engine.NewPipeline(store, mp, slog.Default(), engine.Config{})
	for _, name := range []string{"classify", "search", "synthesize"} {
		stage := name
		require.NoError(t, p.RegisterStage(stage, func(_ context.Context, _ *runstate.ExecutionState, _ *schema.TurnRequest) (any, error) {
			return stage + " output", nil
		}))
	}
	return NewTurnpikeServer(TurnpikeServerDeps{Pipeline: p, Store: store}), store
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultPayload(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func planArgs() map[string]any {
	return map[string]any{
		"pattern":     "analysis",
		"agents":      []any{"classify", "search", "synthesize"},
		"entry_point": "classify",
	}
}

// --- Tests ---

func TestTurnTool(t *testing.T) {
	s, store := newTestServer(t)

	req := buildRequest("turnpike.turn", map[string]any{
		"query": "find the report",
		"plan":  planArgs(),
	})
	result, err := s.handleTurn(context.Background(), req)
	require.NoError(t, err)

	payload := resultPayload(t, result)
	assert.NotEmpty(t, payload["session_id"])
	assert.NotEmpty(t, payload["turn_id"])
	trail, ok := payload["trail"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"classify", "search", "synthesize"}, trail)

	sess, err := store.GetOrCreate(context.Background(), payload["session_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
}

func TestTurnToolMissingQuery(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleTurn(context.Background(), buildRequest("turnpike.turn", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTurnToolRejectsMalformedPlan(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleTurn(context.Background(), buildRequest("turnpike.turn", map[string]any{
		"query": "q",
		"plan":  map[string]any{"pattern": "analysis"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPlanToolValidateOnly(t *testing.T) {
	s, _ := newTestServer(t)

	args := planArgs()
	args["route_locked"] = true
	args["route"] = "history"
	result, err := s.handlePlan(context.Background(), buildRequest("turnpike.plan", map[string]any{
		"plan":          args,
		"validate_only": true,
	}))
	require.NoError(t, err)

	payload := resultPayload(t, result)
	assert.Equal(t, true, payload["valid"])
	assert.Equal(t, "analysis", payload["pattern"])
	assert.Equal(t, true, payload["route_locked"])
}

func TestPlanToolValidateOnlyRejectsLockWithoutRoute(t *testing.T) {
	s, _ := newTestServer(t)

	args := planArgs()
	args["route_locked"] = true
	result, err := s.handlePlan(context.Background(), buildRequest("turnpike.plan", map[string]any{
		"plan":          args,
		"validate_only": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPlanToolApplyHonorsRouteLock(t *testing.T) {
	s, _ := newTestServer(t)

	locked := planArgs()
	locked["route"] = "history"
	locked["route_locked"] = true
	result, err := s.handlePlan(context.Background(), buildRequest("turnpike.plan", map[string]any{
		"plan": locked,
	}))
	require.NoError(t, err)
	payload := resultPayload(t, result)
	assert.Equal(t, "history", payload["route"])

	// Run a locked turn to obtain a session, then try to redirect it.
	turnResult, err := s.handleTurn(context.Background(), buildRequest("turnpike.turn", map[string]any{
		"query": "q",
		"plan":  locked,
	}))
	require.NoError(t, err)
	turnPayload := resultPayload(t, turnResult)
	sessionID := turnPayload["session_id"].(string)

	divergent := planArgs()
	divergent["route"] = "elsewhere"
	applyResult, err := s.handlePlan(context.Background(), buildRequest("turnpike.plan", map[string]any{
		"plan":       divergent,
		"session_id": sessionID,
	}))
	require.NoError(t, err)
	applied := resultPayload(t, applyResult)
	assert.Equal(t, "history", applied["route"])
	assert.Equal(t, true, applied["route_locked"])
}

func TestSessionToolActions(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, store.SetPending(ctx, "sess-1", schema.PendingConfirmation, map[string]any{"q": "sure?"}))

	result, err := s.handleSession(ctx, buildRequest("turnpike.session", map[string]any{
		"action":     "pending",
		"session_id": "sess-1",
	}))
	require.NoError(t, err)
	payload := resultPayload(t, result)
	assert.Equal(t, schema.PendingConfirmation.String(), payload["kind"])
	assert.Equal(t, true, payload["has"])

	result, err = s.handleSession(ctx, buildRequest("turnpike.session", map[string]any{
		"action":     "clear_pending",
		"session_id": "sess-1",
	}))
	require.NoError(t, err)
	payload = resultPayload(t, result)
	assert.Equal(t, true, payload["cleared"])

	has, err := store.HasPending(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, has)

	result, err = s.handleSession(ctx, buildRequest("turnpike.session", map[string]any{
		"action":     "get",
		"session_id": "sess-1",
	}))
	require.NoError(t, err)
	payload = resultPayload(t, result)
	assert.Equal(t, "sess-1", payload["id"])

	result, err = s.handleSession(ctx, buildRequest("turnpike.session", map[string]any{
		"action": "prune",
	}))
	require.NoError(t, err)
	payload = resultPayload(t, result)
	assert.Equal(t, float64(0), payload["pruned"])
}

func TestSessionToolRequiresID(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleSession(context.Background(), buildRequest("turnpike.session", map[string]any{
		"action": "get",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMetricsTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleMetrics(context.Background(), buildRequest("turnpike.metrics", nil))
	require.NoError(t, err)
	payload := resultPayload(t, result)
	assert.Equal(t, float64(0), payload["created"])
	assert.Equal(t, float64(0), payload["reuse_ratio"])
}
