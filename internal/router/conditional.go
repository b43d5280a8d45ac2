package router

import (
	"context"

	"github.com/turnpike-ai/turnpike/internal/expressions"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// Rule is one (predicate, target) pair of a ConditionalRouter. The predicate
// is an expression evaluated against the run-state snapshot and must produce
// a boolean.
type Rule struct {
	When   string
	Target string
}

// ConditionalRouter evaluates an ordered list of rules against the run state
// and returns the first matching target. Order is caller-supplied and
// significant: first match wins. When no rule matches it falls back to a
// fixed default.
type ConditionalRouter struct {
	engine        expressions.Engine
	rules         []Rule
	defaultTarget string
}

// NewConditionalRouter creates a ConditionalRouter backed by the given
// predicate engine (Expr or CEL).
func NewConditionalRouter(engine expressions.Engine, rules []Rule, defaultTarget string) *ConditionalRouter {
	return &ConditionalRouter{
		engine:        engine,
		rules:         append([]Rule(nil), rules...),
		defaultTarget: defaultTarget,
	}
}

// Route returns the target of the first rule whose predicate evaluates to
// true, or the default when none matches. A predicate evaluation failure is
// surfaced as an error rather than silently treated as a non-match.
func (r *ConditionalRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	data := st.Snapshot()
	for _, rule := range r.rules {
		out, err := r.engine.Evaluate(ctx, rule.When, data)
		if err != nil {
			return "", err
		}
		match, ok := out.(bool)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"conditional rule %q must produce a boolean, got %T", rule.When, out)
		}
		if match {
			return rule.Target, nil
		}
	}
	return r.defaultTarget, nil
}

// PossibleTargets returns every rule target plus the default.
func (r *ConditionalRouter) PossibleTargets() []string {
	targets := make([]string, 0, len(r.rules)+1)
	for _, rule := range r.rules {
		targets = append(targets, rule.Target)
	}
	targets = append(targets, r.defaultTarget)
	return dedupe(targets)
}

var _ Router = (*ConditionalRouter)(nil)
