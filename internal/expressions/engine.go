package expressions

import "context"

// Engine evaluates predicate and selector expressions against a run-state
// snapshot. Two implementations: Expr (default predicate logic) and CEL
// (sandboxed conditions). GoJQ covers output selection separately.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
