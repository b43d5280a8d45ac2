package main

import (
	"context"
	"strings"

	"github.com/turnpike-ai/turnpike/internal/engine"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// registerDefaultStages wires the built-in conversational stage set. Each
// stage records which model handle would serve it; the actual generation
// call belongs to the embedding host, not this core.
func registerDefaultStages(p *engine.Pipeline) error {
	stages := []string{"classify", "search", "refine", "critic", "synthesize", "finalize"}
	for _, name := range stages {
		stage := name
		fn := func(ctx context.Context, st *runstate.ExecutionState, req *schema.TurnRequest) (any, error) {
			if stage == "classify" {
				st.Set(engine.KeyIntent, classifyIntent(req.Query))
			}
			profile, model := p.Pool().ResolveProfile(stage)
			handle, err := p.Pool().GetOrCreate(ctx, profile, 0.2)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"stage":   stage,
				"profile": profile,
				"model":   model,
				"handle":  handle.Key(),
			}, nil
		}
		if err := p.RegisterStage(stage, fn); err != nil {
			return err
		}
	}
	return nil
}

// classifyIntent is a keyword fallback used when no upstream classifier
// stage has been swapped in.
func classifyIntent(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "create") || strings.Contains(q, "add"):
		return "record_create"
	case strings.Contains(q, "find") || strings.Contains(q, "search") || strings.Contains(q, "look"):
		return "lookup"
	case strings.Contains(q, "why") || strings.Contains(q, "how"):
		return "explain"
	default:
		return "general"
	}
}
