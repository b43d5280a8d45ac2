package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turnpike-ai/turnpike/internal/expressions"
	"github.com/turnpike-ai/turnpike/internal/runstate"
)

// OutputRule maps a substring pattern to a target stage. Matching is
// case-insensitive; order is significant, first match wins.
type OutputRule struct {
	Pattern string
	Target  string
}

// OutputBasedRouter inspects the most recently recorded stage output and
// routes on the first pattern that appears in it. An optional jq selector
// extracts the text to match from a structured output; without one the whole
// output is matched in its string form. Falls back to the default when no
// stage has produced output yet or nothing matches.
type OutputBasedRouter struct {
	rules         []OutputRule
	defaultTarget string

	// selector is a jq expression applied to the raw output, e.g.
	// ".classification.intent". Empty means match the whole output.
	selector string
	jq       *expressions.GoJQEngine
}

// NewOutputBasedRouter creates an OutputBasedRouter matching whole outputs.
func NewOutputBasedRouter(rules []OutputRule, defaultTarget string) *OutputBasedRouter {
	return &OutputBasedRouter{
		rules:         append([]OutputRule(nil), rules...),
		defaultTarget: defaultTarget,
	}
}

// WithSelector configures a jq selector used to extract the match text from
// structured outputs.
func (r *OutputBasedRouter) WithSelector(selector string, jq *expressions.GoJQEngine) *OutputBasedRouter {
	r.selector = selector
	r.jq = jq
	return r
}

func (r *OutputBasedRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	last, ok := st.LastOutput()
	if !ok {
		return r.defaultTarget, nil
	}

	text, err := r.matchText(ctx, last.Output)
	if err != nil {
		return "", err
	}

	haystack := strings.ToLower(text)
	for _, rule := range r.rules {
		if strings.Contains(haystack, strings.ToLower(rule.Pattern)) {
			return rule.Target, nil
		}
	}
	return r.defaultTarget, nil
}

// matchText renders the output as the text to pattern-match, applying the jq
// selector when one is configured and the output is structured.
func (r *OutputBasedRouter) matchText(ctx context.Context, output any) (string, error) {
	if r.selector != "" && r.jq != nil {
		if m, ok := output.(map[string]any); ok {
			selected, err := r.jq.Evaluate(ctx, r.selector, m)
			if err != nil {
				return "", err
			}
			if selected != nil {
				output = selected
			}
		}
	}

	switch v := output.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(b), nil
	}
}

func (r *OutputBasedRouter) PossibleTargets() []string {
	targets := make([]string, 0, len(r.rules)+1)
	for _, rule := range r.rules {
		targets = append(targets, rule.Target)
	}
	targets = append(targets, r.defaultTarget)
	return dedupe(targets)
}

var _ Router = (*OutputBasedRouter)(nil)
