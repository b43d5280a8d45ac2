// Package plan builds validated, immutable execution plans and merges them
// into live run configuration under the route-lock rule.
package plan

import (
	"strings"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// Spec carries the raw inputs for building a Plan. All validation and
// normalization happens in New; a Spec itself guarantees nothing.
type Spec struct {
	Pattern     string
	Agents      []string
	EntryPoint  string
	SkipAgents  []string
	ResumeQuery string
	Route       string
	RouteLocked bool
	Metadata    map[string]any
}

// Plan is a validated, immutable description of which stages run, in what
// order, starting where, skipping what, under which named route. Construct
// only via New; the zero value is not usable.
type Plan struct {
	pattern     string
	agents      []string
	entryPoint  string
	skipAgents  []string
	resumeQuery string
	route       string
	routeLocked bool
	metadata    map[string]any
}

// New validates and normalizes a Spec into a Plan. Violations are fatal and
// never silently coerced:
//   - pattern must be non-empty (trimmed, lowercased)
//   - agents must be a non-empty list of non-empty names
//     (de-duplicated preserving first-seen order, lowercased)
//   - entry point must be a member of the normalized agent list
//   - skip list entries must be non-empty (same normalization, may be empty)
//   - route-locked requires a non-empty route, checked here at build time
func New(spec Spec) (*Plan, error) {
	pattern := strings.ToLower(strings.TrimSpace(spec.Pattern))
	if pattern == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan pattern must be a non-empty string")
	}

	if len(spec.Agents) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan agents must be a non-empty list")
	}
	agents, err := normalizeNames(spec.Agents, "agents")
	if err != nil {
		return nil, err
	}

	entry := strings.ToLower(strings.TrimSpace(spec.EntryPoint))
	if entry == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan entry point must be a non-empty string")
	}
	if !contains(agents, entry) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"plan entry point %q is not in the agent list", entry).
			WithDetails(map[string]any{"agents": agents})
	}

	var skip []string
	if len(spec.SkipAgents) > 0 {
		skip, err = normalizeNames(spec.SkipAgents, "skip_agents")
		if err != nil {
			return nil, err
		}
	}

	resume := strings.TrimSpace(spec.ResumeQuery)

	route := strings.ToLower(strings.TrimSpace(spec.Route))
	if spec.RouteLocked && route == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"plan cannot lock the route without naming one")
	}

	var metadata map[string]any
	if spec.Metadata != nil {
		metadata = make(map[string]any, len(spec.Metadata))
		for k, v := range spec.Metadata {
			metadata[k] = v
		}
	}

	return &Plan{
		pattern:     pattern,
		agents:      agents,
		entryPoint:  entry,
		skipAgents:  skip,
		resumeQuery: resume,
		route:       route,
		routeLocked: spec.RouteLocked,
		metadata:    metadata,
	}, nil
}

// FromDocument builds a Plan from its wire form.
func FromDocument(doc *schema.PlanDocument) (*Plan, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document is nil")
	}
	return New(Spec{
		Pattern:     doc.Pattern,
		Agents:      doc.Agents,
		EntryPoint:  doc.EntryPoint,
		SkipAgents:  doc.SkipAgents,
		ResumeQuery: doc.ResumeQuery,
		Route:       doc.Route,
		RouteLocked: doc.RouteLocked,
		Metadata:    doc.Metadata,
	})
}

func (p *Plan) Pattern() string     { return p.pattern }
func (p *Plan) EntryPoint() string  { return p.entryPoint }
func (p *Plan) ResumeQuery() string { return p.resumeQuery }
func (p *Plan) Route() string       { return p.route }
func (p *Plan) RouteLocked() bool   { return p.routeLocked }

// Agents returns a copy of the normalized agent list.
func (p *Plan) Agents() []string {
	return append([]string(nil), p.agents...)
}

// SkipAgents returns a copy of the normalized skip list.
func (p *Plan) SkipAgents() []string {
	return append([]string(nil), p.skipAgents...)
}

// Metadata returns a copy of the plan metadata, or nil.
func (p *Plan) Metadata() map[string]any {
	if p.metadata == nil {
		return nil
	}
	m := make(map[string]any, len(p.metadata))
	for k, v := range p.metadata {
		m[k] = v
	}
	return m
}

// normalizeNames trims, lowercases, and de-duplicates a name list preserving
// first-seen order. Empty entries are fatal.
func normalizeNames(names []string, field string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"plan %s must not contain empty names", field)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
