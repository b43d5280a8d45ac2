package runstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_CreatesOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))

	ctx, st := Ensure(ctx)
	require.NotNil(t, st)

	// Second call returns the same bag.
	_, again := Ensure(ctx)
	assert.Same(t, st, again)
	assert.Same(t, st, FromContext(ctx))
}

func TestValues_RoundTrip(t *testing.T) {
	st := New()
	st.Set("intent", "lookup")
	v, ok := st.Get("intent")
	require.True(t, ok)
	assert.Equal(t, "lookup", v)

	_, ok = st.Get("missing")
	assert.False(t, ok)

	assert.True(t, st.GetBool(KeyStageSucceeded, true))
	st.Set(KeyStageSucceeded, false)
	assert.False(t, st.GetBool(KeyStageSucceeded, true))
}

func TestOutputs_InsertionOrderAndMostRecent(t *testing.T) {
	st := New()
	st.RecordOutput("classify", "intent: search")
	st.RecordOutput("search", "3 results")
	st.RecordOutput("classify", "intent: refine")

	out, ok := st.Output("classify")
	require.True(t, ok)
	assert.Equal(t, "intent: refine", out)

	last, ok := st.LastOutput()
	require.True(t, ok)
	assert.Equal(t, "classify", last.Stage)

	all := st.Outputs()
	require.Len(t, all, 3)
	assert.Equal(t, "search", all[1].Stage)

	_, ok = st.Output("critic")
	assert.False(t, ok)
}

func TestMarkSucceededAndFailed(t *testing.T) {
	st := New()
	st.MarkFailed("search")
	assert.True(t, st.Failed("search"))
	assert.False(t, st.GetBool(KeyStageSucceeded, true))

	// Success moves the stage out of the failed set.
	st.MarkSucceeded("search")
	assert.True(t, st.Succeeded("search"))
	assert.False(t, st.Failed("search"))
	assert.True(t, st.GetBool(KeyStageSucceeded, false))
}

func TestExecConfig_ReflectsLiveFields(t *testing.T) {
	st := New()
	st.Pattern = "analysis"
	st.Agents = []string{"classify", "search"}
	st.RouteLocked = true
	st.Route = "history"

	cfg := st.ExecConfig()
	assert.Equal(t, "analysis", cfg["pattern"])
	assert.Equal(t, []string{"classify", "search"}, cfg["agents"])
	assert.Equal(t, true, cfg["route_locked"])

	st.Pattern = "direct"
	assert.Equal(t, "direct", st.ExecConfig()["pattern"])
}

func TestSnapshot_ExposesOutputsAndSets(t *testing.T) {
	st := New()
	st.RecordOutput("classify", "intent: search")
	st.RecordOutput("classify", "intent: refine")
	st.MarkSucceeded("classify")
	st.Set("retry_count", 2)

	snap := st.Snapshot()
	outputs := snap["outputs"].(map[string]any)
	assert.Equal(t, "intent: refine", outputs["classify"])
	assert.Contains(t, snap["succeeded"].([]string), "classify")
	assert.Equal(t, 2, snap["state"].(map[string]any)["retry_count"])
}

func TestSnapshot_ExposesRequest(t *testing.T) {
	st := New()
	assert.Empty(t, st.Snapshot()["request"].(map[string]any))

	st.SetRequest(map[string]any{
		"query":      "find the report",
		"session_id": "sess-1",
	})

	request := st.Snapshot()["request"].(map[string]any)
	assert.Equal(t, "find the report", request["query"])
	assert.Equal(t, "sess-1", request["session_id"])
	assert.Equal(t, map[string]any{
		"query":      "find the report",
		"session_id": "sess-1",
	}, st.Request())
}
