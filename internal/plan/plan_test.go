package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

func validSpec() Spec {
	return Spec{
		Pattern:    "Analysis",
		Agents:     []string{"Classify", "Search", "Synthesize"},
		EntryPoint: "classify",
	}
}

func TestNew_NormalizesPatternAndAgents(t *testing.T) {
	spec := validSpec()
	spec.Pattern = "  Deep ANALYSIS  "
	spec.Agents = []string{" Classify ", "search", "CLASSIFY", "synthesize"}

	p, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, "deep analysis", p.Pattern())
	assert.Equal(t, []string{"classify", "search", "synthesize"}, p.Agents())
}

func TestNew_DeduplicatesPreservingOrder(t *testing.T) {
	spec := validSpec()
	spec.Agents = []string{"a", "b", "a"}
	spec.EntryPoint = "a"

	p, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Agents())
}

func TestNew_EntryPointMustBeInAgents(t *testing.T) {
	spec := validSpec()
	spec.EntryPoint = "critic"

	_, err := New(spec)
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestNew_EntryPointNormalizedBeforeMembershipCheck(t *testing.T) {
	spec := validSpec()
	spec.EntryPoint = "  CLASSIFY "

	p, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, "classify", p.EntryPoint())
}

func TestNew_RejectsEmptyPatternAndAgents(t *testing.T) {
	spec := validSpec()
	spec.Pattern = "   "
	_, err := New(spec)
	assert.Error(t, err)

	spec = validSpec()
	spec.Agents = nil
	_, err = New(spec)
	assert.Error(t, err)

	spec = validSpec()
	spec.Agents = []string{"classify", ""}
	_, err = New(spec)
	assert.Error(t, err)
}

func TestNew_RouteLockedRequiresRoute(t *testing.T) {
	spec := validSpec()
	spec.RouteLocked = true
	spec.Route = ""
	_, err := New(spec)
	require.Error(t, err)

	spec.Route = "   "
	_, err = New(spec)
	require.Error(t, err, "whitespace-only route counts as absent")

	spec.Route = "History"
	p, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, "history", p.Route())
	assert.True(t, p.RouteLocked())
}

func TestNew_SkipListNormalized(t *testing.T) {
	spec := validSpec()
	spec.SkipAgents = []string{"Critic", "critic", "Refine"}

	p, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"critic", "refine"}, p.SkipAgents())
}

func TestPlan_AccessorsReturnCopies(t *testing.T) {
	p, err := New(validSpec())
	require.NoError(t, err)

	agents := p.Agents()
	agents[0] = "mutated"
	assert.Equal(t, []string{"classify", "search", "synthesize"}, p.Agents())
}

func TestFromDocument(t *testing.T) {
	p, err := FromDocument(&schema.PlanDocument{
		Pattern:    "direct",
		Agents:     []string{"classify", "synthesize"},
		EntryPoint: "classify",
		Route:      "General",
	})
	require.NoError(t, err)
	assert.Equal(t, "general", p.Route())

	_, err = FromDocument(nil)
	assert.Error(t, err)
}
