package plan

import (
	"context"
	"log/slog"

	"github.com/turnpike-ai/turnpike/internal/logging"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// KeyProposedPlan is the bag key under which the applier records the full
// incoming plan when a route lock prevented parts of it from taking effect.
const KeyProposedPlan = "proposed_plan"

// Applier is the single place a computed plan becomes live run configuration.
type Applier struct {
	logger *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger}
}

// Apply merges a validated plan into the orchestrator's configuration map and
// the run's execution state.
//
// When the execution state already carries a locked route, the incoming
// plan's pattern and route are NOT allowed to override it: the previously
// locked pattern/route are reasserted into both the configuration and the
// state, while the plan's agents, entry point, skip list, and resume query
// are applied as safe refinements. The full incoming plan is still recorded
// in the bag as an observability artifact. The returned record reflects the
// reasserted pattern/route, not the input plan's.
//
// When no lock is in effect, the plan is fully authoritative and its
// route-locked flag takes effect for subsequent turns of the session.
//
// config may be nil when the caller has no separate configuration map.
func (a *Applier) Apply(ctx context.Context, p *Plan, req *schema.TurnRequest, config map[string]any, st *runstate.ExecutionState) (*schema.AppliedPlan, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot apply a nil plan")
	}
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot apply a plan without execution state")
	}

	applied := &schema.AppliedPlan{
		Pattern:     p.Pattern(),
		Agents:      p.Agents(),
		EntryPoint:  p.EntryPoint(),
		SkipAgents:  p.SkipAgents(),
		ResumeQuery: p.ResumeQuery(),
		Route:       p.Route(),
		RouteLocked: p.RouteLocked(),
		Metadata:    p.Metadata(),
	}

	if st.RouteLocked {
		// Record what the planner wanted before overriding it.
		st.Set(KeyProposedPlan, map[string]any{
			"pattern":      p.Pattern(),
			"agents":       p.Agents(),
			"entry_point":  p.EntryPoint(),
			"skip_agents":  p.SkipAgents(),
			"resume_query": p.ResumeQuery(),
			"route":        p.Route(),
			"route_locked": p.RouteLocked(),
		})

		applied.Pattern = st.Pattern
		applied.Route = st.Route
		applied.RouteLocked = true

		if p.Pattern() != st.Pattern || p.Route() != st.Route {
			logging.LogWith(ctx, a.logger).Info("route lock held, reasserting locked route",
				slog.String("locked_pattern", st.Pattern),
				slog.String("locked_route", st.Route),
				slog.String("proposed_pattern", p.Pattern()),
				slog.String("proposed_route", p.Route()),
			)
		}
	} else {
		st.Pattern = p.Pattern()
		st.Route = p.Route()
		st.RouteLocked = p.RouteLocked()
	}

	// Safe refinements: applied on both branches.
	st.Agents = p.Agents()
	st.EntryPoint = p.EntryPoint()
	st.SkipAgents = p.SkipAgents()
	st.ResumeQuery = p.ResumeQuery()

	writeConfig(config, applied)

	logging.LogWith(ctx, a.logger).Debug("plan applied",
		slog.String("pattern", applied.Pattern),
		slog.String("entry_point", applied.EntryPoint),
		slog.String("route", applied.Route),
		slog.Bool("route_locked", applied.RouteLocked),
	)

	return applied, nil
}

func writeConfig(config map[string]any, applied *schema.AppliedPlan) {
	if config == nil {
		return
	}
	config["pattern"] = applied.Pattern
	config["agents"] = append([]string(nil), applied.Agents...)
	config["entry_point"] = applied.EntryPoint
	config["skip_agents"] = append([]string(nil), applied.SkipAgents...)
	config["resume_query"] = applied.ResumeQuery
	config["route"] = applied.Route
	config["route_locked"] = applied.RouteLocked
}
