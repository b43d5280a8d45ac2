package router

import (
	"context"
	"sort"

	"github.com/turnpike-ai/turnpike/internal/runstate"
)

// SuccessFailureRouter routes on the "last stage succeeded" flag in the bag.
// An absent flag counts as success.
type SuccessFailureRouter struct {
	SuccessTarget string
	FailureTarget string
}

// NewSuccessFailureRouter creates a SuccessFailureRouter.
func NewSuccessFailureRouter(successTarget, failureTarget string) *SuccessFailureRouter {
	return &SuccessFailureRouter{SuccessTarget: successTarget, FailureTarget: failureTarget}
}

func (r *SuccessFailureRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	if st.GetBool(runstate.KeyStageSucceeded, true) {
		return r.SuccessTarget, nil
	}
	return r.FailureTarget, nil
}

func (r *SuccessFailureRouter) PossibleTargets() []string {
	return dedupe([]string{r.SuccessTarget, r.FailureTarget})
}

// PipelineStageRouter looks up the bag's named pipeline stage in a static
// stage-to-target map, falling back to a default when the current stage is
// unrecognized.
type PipelineStageRouter struct {
	stageMap      map[string]string
	defaultTarget string
}

// NewPipelineStageRouter creates a PipelineStageRouter over a static map.
func NewPipelineStageRouter(stageMap map[string]string, defaultTarget string) *PipelineStageRouter {
	m := make(map[string]string, len(stageMap))
	for k, v := range stageMap {
		m[k] = v
	}
	return &PipelineStageRouter{stageMap: m, defaultTarget: defaultTarget}
}

func (r *PipelineStageRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	current := st.GetString(runstate.KeyPipelineStage)
	if target, ok := r.stageMap[current]; ok {
		return target, nil
	}
	return r.defaultTarget, nil
}

func (r *PipelineStageRouter) PossibleTargets() []string {
	targets := make([]string, 0, len(r.stageMap)+1)
	for _, t := range r.stageMap {
		targets = append(targets, t)
	}
	// Map iteration order is not stable; sort targets before the default so
	// the result is deterministic for validation output.
	sort.Strings(targets)
	targets = append(targets, r.defaultTarget)
	return dedupe(targets)
}

var (
	_ Router = (*SuccessFailureRouter)(nil)
	_ Router = (*PipelineStageRouter)(nil)
)
