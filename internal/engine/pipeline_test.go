package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpike-ai/turnpike/internal/expressions"
	"github.com/turnpike-ai/turnpike/internal/pool"
	"github.com/turnpike-ai/turnpike/internal/router"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/internal/session"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

func newTestPipeline(t *testing.T) (*Pipeline, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(30 * time.Minute)
	mp := pool.NewModelPool(nil, slog.Default(), pool.WithClientFactory(func(string) *openai.Client {
		return nil
	}))
	p := NewPipeline(store, mp, slog.Default(), Config{})
	return p, store
}

func echoStage(name string) StageFunc {
	return func(_ context.Context, _ *runstate.ExecutionState, _ *schema.TurnRequest) (any, error) {
		return name + " output", nil
	}
}

func registerStages(t *testing.T, p *Pipeline, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, p.RegisterStage(name, echoStage(name)))
	}
}

func basicPlan() *schema.PlanDocument {
	return &schema.PlanDocument{
		Pattern:    "analysis",
		Agents:     []string{"classify", "search", "synthesize"},
		EntryPoint: "classify",
	}
}

func TestRegisterStage_Validation(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Error(t, p.RegisterStage("", echoStage("x")))
	assert.Error(t, p.RegisterStage("x", nil))
	require.NoError(t, p.RegisterStage("x", echoStage("x")))
	assert.Error(t, p.RegisterStage("x", echoStage("x")))
}

func TestRunTurn_SequentialTrail(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		Query: "find the report",
		Plan:  basicPlan(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "search", "synthesize"}, res.Trail)
	assert.Equal(t, "analysis", res.Plan.Pattern)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.TurnID)
	assert.True(t, res.PendingKind.IsNone())
}

func TestRunTurn_SkipAgents(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	doc := basicPlan()
	doc.SkipAgents = []string{"search"}
	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q", Plan: doc})
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "synthesize"}, res.Trail)
}

func TestRunTurn_TouchesSession(t *testing.T) {
	p, store := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")
	require.NoError(t, p.RegisterStage("intent-tagger", func(_ context.Context, st *runstate.ExecutionState, _ *schema.TurnRequest) (any, error) {
		st.Set(KeyIntent, "lookup")
		return "tagged", nil
	}))

	doc := basicPlan()
	doc.Agents = []string{"intent-tagger", "search"}
	doc.EntryPoint = "intent-tagger"

	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "find it", Plan: doc})
	require.NoError(t, err)

	sess, err := store.GetOrCreate(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.Equal(t, "lookup", sess.LastIntent)
	assert.Equal(t, "find it", sess.LastQuery)
}

func TestRunTurn_RouteLockHeldAcrossTurns(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	locked := basicPlan()
	locked.Route = "history"
	locked.RouteLocked = true
	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q1", Plan: locked})
	require.NoError(t, err)
	require.Equal(t, "history", first.Plan.Route)

	// The second turn's plan tries to redirect; the lock wins.
	divergent := basicPlan()
	divergent.Pattern = "quickpath"
	divergent.Route = "elsewhere"
	second, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		SessionID: first.SessionID,
		Query:     "q2",
		Plan:      divergent,
	})
	require.NoError(t, err)
	assert.Equal(t, "analysis", second.Plan.Pattern)
	assert.Equal(t, "history", second.Plan.Route)
	assert.True(t, second.Plan.RouteLocked)
	// Refinements still land.
	assert.Equal(t, []string{"classify", "search", "synthesize"}, second.Plan.Agents)
}

func TestRunTurn_UnlockedPlanIsAuthoritative(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q1", Plan: basicPlan()})
	require.NoError(t, err)

	replacement := basicPlan()
	replacement.Pattern = "quickpath"
	replacement.Route = "shortcut"
	second, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		SessionID: first.SessionID,
		Query:     "q2",
		Plan:      replacement,
	})
	require.NoError(t, err)
	assert.Equal(t, "quickpath", second.Plan.Pattern)
	assert.Equal(t, "shortcut", second.Plan.Route)
}

func TestRunTurn_PlanlessTurnReusesConfiguration(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q1", Plan: basicPlan()})
	require.NoError(t, err)

	second, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		SessionID: first.SessionID,
		Query:     "q2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Plan, second.Plan)
	assert.Equal(t, first.Trail, second.Trail)
}

func TestRunTurn_PlanlessTurnWithoutConfigurationFails(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify")

	_, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q"})
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestRunTurn_PendingRoundTrip(t *testing.T) {
	p, store := newTestPipeline(t)

	var seenIncoming string
	require.NoError(t, p.RegisterStage("ask", func(_ context.Context, st *runstate.ExecutionState, _ *schema.TurnRequest) (any, error) {
		if raw, ok := st.Get(KeyIncomingPendingKind); ok {
			seenIncoming, _ = raw.(string)
		}
		st.Set(KeyPendingKind, schema.PendingConfirmation.String())
		st.Set(KeyPendingPayload, map[string]any{"question": "proceed?"})
		return "asked", nil
	}))

	doc := &schema.PlanDocument{Pattern: "wizard", Agents: []string{"ask"}, EntryPoint: "ask"}
	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "start", Plan: doc})
	require.NoError(t, err)
	assert.Equal(t, schema.PendingConfirmation, first.PendingKind)

	kind, payload, err := store.GetPending(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.PendingConfirmation, kind)
	assert.Equal(t, map[string]any{"question": "proceed?"}, payload)

	// The next turn sees the pending action in its bag; re-setting it keeps it.
	_, err = p.RunTurn(context.Background(), &schema.TurnRequest{SessionID: first.SessionID, Query: "yes"})
	require.NoError(t, err)
	assert.Equal(t, schema.PendingConfirmation.String(), seenIncoming)
}

func TestRunTurn_StageWithoutPendingClearsSlot(t *testing.T) {
	p, store := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q", Plan: basicPlan()})
	require.NoError(t, err)
	require.NoError(t, store.SetPending(context.Background(), first.SessionID, schema.PendingSelection, nil))

	second, err := p.RunTurn(context.Background(), &schema.TurnRequest{SessionID: first.SessionID, Query: "q2"})
	require.NoError(t, err)
	assert.True(t, second.PendingKind.IsNone())

	kind, _, err := store.GetPending(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.True(t, kind.IsNone())
}

func TestRunTurn_UnregisteredStageFails(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify")

	_, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q", Plan: basicPlan()})
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestRunTurn_RouterDirectsFlow(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "fallback")
	require.NoError(t, p.RegisterStage("flaky", func(_ context.Context, _ *runstate.ExecutionState, _ *schema.TurnRequest) (any, error) {
		return nil, errors.New("backend down")
	}))
	require.NoError(t, p.SetRouter("flaky", router.NewSuccessFailureRouter("search", "fallback")))
	require.NoError(t, p.SetRouter("fallback", router.NewSuccessFailureRouter(router.EndTarget, router.EndTarget)))

	doc := &schema.PlanDocument{
		Pattern:    "guarded",
		Agents:     []string{"flaky", "search", "fallback"},
		EntryPoint: "flaky",
	}
	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q", Plan: doc})
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky", "fallback"}, res.Trail)
}

func TestRunTurn_BoundedLoop(t *testing.T) {
	store := session.NewMemoryStore(0)
	mp := pool.NewModelPool(nil, slog.Default())
	p := NewPipeline(store, mp, slog.Default(), Config{MaxSteps: 5})
	registerStages(t, p, "classify")

	// A router that always returns to the same stage never reaches end.
	require.NoError(t, p.SetRouter("classify", router.NewSuccessFailureRouter("classify", "classify")))

	doc := &schema.PlanDocument{Pattern: "loop", Agents: []string{"classify"}, EntryPoint: "classify"}
	_, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q", Plan: doc})
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeExecution, perr.Code)
}

func TestRunTurn_RouterSeesRequest(t *testing.T) {
	p, _ := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	eng := expressions.NewExprEngine()
	require.NoError(t, p.SetRouter("classify", router.NewConditionalRouter(eng, []router.Rule{
		{When: `request.query contains "summarize"`, Target: "synthesize"},
	}, "search")))
	require.NoError(t, p.SetRouter("search", router.NewSuccessFailureRouter(router.EndTarget, router.EndTarget)))
	require.NoError(t, p.SetRouter("synthesize", router.NewSuccessFailureRouter(router.EndTarget, router.EndTarget)))

	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		Query: "summarize the meeting",
		Plan:  basicPlan(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "synthesize"}, res.Trail)

	res, err = p.RunTurn(context.Background(), &schema.TurnRequest{
		Query: "find the report",
		Plan:  basicPlan(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "search"}, res.Trail)
}

func TestSessionConfigCacheEvictsStalest(t *testing.T) {
	store := session.NewMemoryStore(30 * time.Minute)
	mp := pool.NewModelPool(nil, slog.Default())
	p := NewPipeline(store, mp, slog.Default(), Config{MaxSessionConfigs: 2})
	registerStages(t, p, "classify", "search", "synthesize")

	var ids []string
	for _, q := range []string{"q1", "q2", "q3"} {
		res, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: q, Plan: basicPlan()})
		require.NoError(t, err)
		ids = append(ids, res.SessionID)
		time.Sleep(time.Millisecond)
	}

	p.mu.RLock()
	size := len(p.configs)
	_, oldestKept := p.configs[ids[0]]
	p.mu.RUnlock()
	assert.Equal(t, 2, size)
	assert.False(t, oldestKept)

	// The evicted session lost its configuration, so a planless turn fails.
	_, err := p.RunTurn(context.Background(), &schema.TurnRequest{SessionID: ids[0], Query: "again"})
	require.Error(t, err)

	// The newest session still runs planless turns.
	res, err := p.RunTurn(context.Background(), &schema.TurnRequest{SessionID: ids[2], Query: "again"})
	require.NoError(t, err)
	assert.Equal(t, "analysis", res.Plan.Pattern)
}

func TestRunTurn_ExpiredSessionDropsLockedConfiguration(t *testing.T) {
	p, store := newTestPipeline(t)
	registerStages(t, p, "classify", "search", "synthesize")

	locked := basicPlan()
	locked.Route = "history"
	locked.RouteLocked = true
	first, err := p.RunTurn(context.Background(), &schema.TurnRequest{Query: "q1", Plan: locked})
	require.NoError(t, err)

	// Simulate expiry: the store hands out a fresh record under the same ID.
	require.NoError(t, store.Delete(context.Background(), first.SessionID))
	time.Sleep(time.Millisecond)

	replacement := basicPlan()
	replacement.Pattern = "quickpath"
	replacement.Route = "elsewhere"
	second, err := p.RunTurn(context.Background(), &schema.TurnRequest{
		SessionID: first.SessionID,
		Query:     "q2",
		Plan:      replacement,
	})
	require.NoError(t, err)
	assert.Equal(t, "quickpath", second.Plan.Pattern)
	assert.Equal(t, "elsewhere", second.Plan.Route)
}
