package runstate

import (
	"context"
	"sync"
)

// Well-known value keys read by routers.
const (
	KeyStageSucceeded = "last_stage_succeeded"
	KeyRetryCount     = "retry_count"
	KeyPipelineStage  = "pipeline_stage"
)

// StageOutput is one recorded stage result. Outputs are append-only and keep
// insertion order; a stage that runs twice appears twice.
type StageOutput struct {
	Stage  string `json:"stage"`
	Output any    `json:"output"`
}

// ExecutionState is the shared blackboard for a single pipeline run.
// It holds the merged run configuration (written by the plan applier), a
// generic key-value section for stage bookkeeping, and the ordered stage
// outputs routers inspect. It lives for one run only; across turns the
// Session is the sole survivor.
//
// A run executes its stages sequentially, so the lock only matters for
// observers (control-plane snapshots) reading a live run.
type ExecutionState struct {
	mu sync.RWMutex

	// Merged run configuration.
	Pattern     string
	Agents      []string
	EntryPoint  string
	SkipAgents  []string
	Route       string
	RouteLocked bool
	ResumeQuery string

	values    map[string]any
	request   map[string]any
	outputs   []StageOutput
	succeeded map[string]struct{}
	failed    map[string]struct{}
}

// New creates an empty ExecutionState.
func New() *ExecutionState {
	return &ExecutionState{
		values:    make(map[string]any),
		succeeded: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// Set writes a generic key into the bag.
func (s *ExecutionState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get reads a generic key from the bag.
func (s *ExecutionState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetBool reads a boolean key, returning def when the key is absent or not a bool.
func (s *ExecutionState) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// GetString reads a string key, returning "" when absent or not a string.
func (s *ExecutionState) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// GetInt reads an integer key, returning 0 when absent or not an int.
func (s *ExecutionState) GetInt(key string) int {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

// SetRequest records the incoming turn request for expression predicates,
// e.g. request.query or request.metadata values.
func (s *ExecutionState) SetRequest(req map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = req
}

// Request returns the recorded turn request view, or nil before SetRequest.
func (s *ExecutionState) Request() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.request
}

// RecordOutput appends a stage output. Outputs must be fully recorded before
// the router decision for that stage is evaluated.
func (s *ExecutionState) RecordOutput(stage string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, StageOutput{Stage: stage, Output: output})
}

// Output returns the most recent output recorded for the stage, in insertion
// order, or false if the stage has not produced one.
func (s *ExecutionState) Output(stage string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.outputs) - 1; i >= 0; i-- {
		if s.outputs[i].Stage == stage {
			return s.outputs[i].Output, true
		}
	}
	return nil, false
}

// LastOutput returns the most recently recorded output of any stage.
func (s *ExecutionState) LastOutput() (StageOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.outputs) == 0 {
		return StageOutput{}, false
	}
	return s.outputs[len(s.outputs)-1], true
}

// Outputs returns a copy of all recorded outputs in insertion order.
func (s *ExecutionState) Outputs() []StageOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]StageOutput, len(s.outputs))
	copy(cp, s.outputs)
	return cp
}

// MarkSucceeded records the stage in the succeeded set and flags the last
// stage result as successful.
func (s *ExecutionState) MarkSucceeded(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded[stage] = struct{}{}
	delete(s.failed, stage)
	s.values[KeyStageSucceeded] = true
}

// MarkFailed records the stage in the failed set and flags the last stage
// result as failed.
func (s *ExecutionState) MarkFailed(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[stage] = struct{}{}
	s.values[KeyStageSucceeded] = false
}

// Succeeded reports whether the stage is in the succeeded set.
func (s *ExecutionState) Succeeded(stage string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.succeeded[stage]
	return ok
}

// Failed reports whether the stage is in the failed set.
func (s *ExecutionState) Failed(stage string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.failed[stage]
	return ok
}

// ExecConfig returns the run configuration as a nested map view. The view is
// built from the live fields on every call, so it is always in sync.
func (s *ExecutionState) ExecConfig() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"pattern":      s.Pattern,
		"agents":       append([]string(nil), s.Agents...),
		"entry_point":  s.EntryPoint,
		"skip_agents":  append([]string(nil), s.SkipAgents...),
		"route":        s.Route,
		"route_locked": s.RouteLocked,
		"resume_query": s.ResumeQuery,
	}
}

// Snapshot returns the bag as a flat map for expression evaluation: the run
// configuration under "config", generic values under "state", the incoming
// turn under "request", stage outputs under "outputs" (stage name to most
// recent output), and succeeded/failed stage-name lists.
func (s *ExecutionState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := make(map[string]any, len(s.values))
	for k, v := range s.values {
		state[k] = v
	}
	outputs := make(map[string]any, len(s.outputs))
	for _, o := range s.outputs {
		outputs[o.Stage] = o.Output // later entries win: most recent output
	}
	request := make(map[string]any, len(s.request))
	for k, v := range s.request {
		request[k] = v
	}
	return map[string]any{
		"config":    s.execConfigLocked(),
		"state":     state,
		"request":   request,
		"outputs":   outputs,
		"succeeded": setToList(s.succeeded),
		"failed":    setToList(s.failed),
	}
}

func (s *ExecutionState) execConfigLocked() map[string]any {
	return map[string]any{
		"pattern":      s.Pattern,
		"agents":       append([]string(nil), s.Agents...),
		"entry_point":  s.EntryPoint,
		"skip_agents":  append([]string(nil), s.SkipAgents...),
		"route":        s.Route,
		"route_locked": s.RouteLocked,
		"resume_query": s.ResumeQuery,
	}
}

func setToList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// --- Context attachment ---

type ctxKey struct{}

// WithState attaches the bag to the context.
func WithState(ctx context.Context, st *ExecutionState) context.Context {
	return context.WithValue(ctx, ctxKey{}, st)
}

// FromContext returns the bag attached to the context, or nil.
func FromContext(ctx context.Context) *ExecutionState {
	st, _ := ctx.Value(ctxKey{}).(*ExecutionState)
	return st
}

// Ensure returns the bag attached to the context, creating and attaching an
// empty one on first access.
func Ensure(ctx context.Context) (context.Context, *ExecutionState) {
	if st := FromContext(ctx); st != nil {
		return ctx, st
	}
	st := New()
	return WithState(ctx, st), st
}
