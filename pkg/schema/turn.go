package schema

// PlanDocument is the JSON-serializable execution plan format supplied by
// planner collaborators. It is validated against a JSON Schema and then
// normalized into an immutable plan before it touches any run state.
type PlanDocument struct {
	Pattern     string         `json:"pattern"`
	Agents      []string       `json:"agents"`
	EntryPoint  string         `json:"entry_point"`
	SkipAgents  []string       `json:"skip_agents,omitempty"`
	ResumeQuery string         `json:"resume_query,omitempty"`
	Route       string         `json:"route,omitempty"`
	RouteLocked bool           `json:"route_locked,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AppliedPlan is the record returned by the plan applier. When a route lock
// was in effect its Pattern/Route reflect the reasserted locked values, not
// the input plan's.
type AppliedPlan struct {
	Pattern     string         `json:"pattern"`
	Agents      []string       `json:"agents"`
	EntryPoint  string         `json:"entry_point"`
	SkipAgents  []string       `json:"skip_agents"`
	ResumeQuery string         `json:"resume_query,omitempty"`
	Route       string         `json:"route,omitempty"`
	RouteLocked bool           `json:"route_locked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TurnRequest is one inbound conversational turn. SessionID is caller-owned;
// when empty the session store generates one. Plan is optional: a turn
// without one runs under the session's previously applied configuration.
type TurnRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Query     string         `json:"query"`
	Plan      *PlanDocument  `json:"plan,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TurnResult is what a completed turn hands back to the caller.
type TurnResult struct {
	SessionID      string      `json:"session_id"`
	TurnID         string      `json:"turn_id"`
	Plan           AppliedPlan `json:"plan"`
	Trail          []string    `json:"trail"`
	PendingKind    PendingKind `json:"pending_kind,omitempty"`
	PendingPayload any         `json:"pending_payload,omitempty"`
}
