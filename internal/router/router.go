// Package router decides which pipeline stage runs next after each step of a
// run. A Router reads the run's ExecutionState and returns the name of the
// next stage. Routers never defend against miswired targets at runtime;
// PossibleTargets exists so an integrator can validate wiring ahead of time.
package router

import (
	"context"

	"github.com/turnpike-ai/turnpike/internal/runstate"
)

// EndTarget is the sentinel target that terminates a pipeline run.
const EndTarget = "end"

// Router decides the next stage for the current run.
type Router interface {
	// Route returns the name of the next stage. An error is only returned
	// for predicate evaluation failures (ConditionalRouter); all other
	// variants decide unconditionally.
	Route(ctx context.Context, st *runstate.ExecutionState) (string, error)

	// PossibleTargets returns every stage name this router can produce,
	// for static wiring validation and visualization.
	PossibleTargets() []string
}

// dedupe removes duplicate targets preserving first-seen order.
func dedupe(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
