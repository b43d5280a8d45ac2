package router

import (
	"context"

	"github.com/turnpike-ai/turnpike/internal/runstate"
)

// AgentDependencyRouter gates its success target on prerequisite stages.
// Given a map from a target stage to the stage names it depends on, the
// router returns the success target only once every prerequisite is in the
// run's succeeded set. Any prerequisite in the failed set routes to the
// failure target immediately; prerequisites still pending route to the wait
// target.
type AgentDependencyRouter struct {
	deps          map[string][]string
	successTarget string
	failureTarget string
	waitTarget    string
}

// NewAgentDependencyRouter creates an AgentDependencyRouter. The
// prerequisites checked are those listed for successTarget in deps.
func NewAgentDependencyRouter(deps map[string][]string, successTarget, failureTarget, waitTarget string) *AgentDependencyRouter {
	m := make(map[string][]string, len(deps))
	for k, v := range deps {
		m[k] = append([]string(nil), v...)
	}
	return &AgentDependencyRouter{
		deps:          m,
		successTarget: successTarget,
		failureTarget: failureTarget,
		waitTarget:    waitTarget,
	}
}

func (r *AgentDependencyRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	prereqs := r.deps[r.successTarget]

	for _, p := range prereqs {
		if st.Failed(p) {
			return r.failureTarget, nil
		}
	}
	for _, p := range prereqs {
		if !st.Succeeded(p) {
			return r.waitTarget, nil
		}
	}
	return r.successTarget, nil
}

func (r *AgentDependencyRouter) PossibleTargets() []string {
	return dedupe([]string{r.successTarget, r.failureTarget, r.waitTarget})
}

var _ Router = (*AgentDependencyRouter)(nil)
