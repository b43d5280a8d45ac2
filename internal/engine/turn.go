package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/turnpike-ai/turnpike/internal/logging"
	"github.com/turnpike-ai/turnpike/internal/plan"
	"github.com/turnpike-ai/turnpike/internal/router"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/internal/session"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// RunTurn processes one inbound turn synchronously: session resolve, pending
// read, plan apply, stage loop, session write-back. It is safe to call from
// concurrent goroutines; per-session configuration updates are serialized by
// the pipeline's lock.
func (p *Pipeline) RunTurn(ctx context.Context, req *schema.TurnRequest) (*schema.TurnResult, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "turn request cannot be nil")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turnID := uuid.NewString()
	ctx = logging.WithIDs(ctx, sessionID, turnID, "")
	log := logging.LogWith(ctx, p.logger)

	sess, err := p.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pendingKind, pendingPayload, err := p.store.GetPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st, applied, config, err := p.prepareRun(ctx, req, sess, pendingKind, pendingPayload)
	if err != nil {
		return nil, err
	}

	trail, err := p.runStages(ctx, req, st, applied)
	if err != nil {
		return nil, err
	}

	intent := st.GetString(KeyIntent)
	if intent == "" {
		intent = sess.LastIntent
	}
	if err := p.store.Touch(ctx, sessionID, intent, req.Query); err != nil {
		return nil, err
	}

	nextKind, nextPayload, err := p.writePending(ctx, sessionID, st)
	if err != nil {
		return nil, err
	}

	p.storeSessionConfig(sess, applied, config)

	log.Info("turn complete",
		slog.String("pattern", applied.Pattern),
		slog.Int("steps", len(trail)),
		slog.String("pending", nextKind.String()),
	)

	result := &schema.TurnResult{
		SessionID:   sessionID,
		TurnID:      turnID,
		Plan:        *applied,
		Trail:       trail,
		PendingKind: nextKind,
	}
	if nextPayload != nil {
		result.PendingPayload = nextPayload
	}
	return result, nil
}

// ApplyPlan validates and applies a plan document to a session's
// configuration without running any stages. Route-lock rules apply exactly
// as they do for a full turn.
func (p *Pipeline) ApplyPlan(ctx context.Context, sessionID string, doc *schema.PlanDocument) (*schema.AppliedPlan, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document cannot be nil")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logging.WithIDs(ctx, sessionID, "", "")

	sess, err := p.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	req := &schema.TurnRequest{SessionID: sessionID, Plan: doc}
	_, applied, config, err := p.prepareRun(ctx, req, sess, schema.PendingNone, nil)
	if err != nil {
		return nil, err
	}

	p.storeSessionConfig(sess, applied, config)
	return applied, nil
}

// prepareRun builds this turn's execution state: it seeds the bag with the
// previous turn's pending action and the session's applied configuration,
// then applies the incoming plan (if any) under the route-lock rules.
func (p *Pipeline) prepareRun(
	ctx context.Context,
	req *schema.TurnRequest,
	sess *session.Session,
	pendingKind schema.PendingKind,
	pendingPayload map[string]any,
) (*runstate.ExecutionState, *schema.AppliedPlan, map[string]any, error) {
	st := runstate.New()
	st.SetRequest(requestView(req, sess.ID))

	if !pendingKind.IsNone() {
		st.Set(KeyIncomingPendingKind, pendingKind.String())
		if pendingPayload != nil {
			st.Set(KeyIncomingPendingPayload, pendingPayload)
		}
	}

	cached := p.sessionConfigFor(sess)

	if req.Plan == nil {
		if cached == nil {
			return nil, nil, nil, schema.NewError(schema.ErrCodeValidation,
				"turn carries no plan and the session has no applied configuration")
		}
		applied := cached.applied
		st.Pattern = applied.Pattern
		st.Agents = applied.Agents
		st.EntryPoint = applied.EntryPoint
		st.SkipAgents = applied.SkipAgents
		st.ResumeQuery = applied.ResumeQuery
		st.Route = applied.Route
		st.RouteLocked = applied.RouteLocked
		return st, applied, cached.config, nil
	}

	// Seed the locked route before apply so the applier can reassert it.
	config := make(map[string]any)
	if cached != nil {
		st.Pattern = cached.applied.Pattern
		st.Route = cached.applied.Route
		st.RouteLocked = cached.applied.RouteLocked
		for k, v := range cached.config {
			config[k] = v
		}
	}

	pl, err := plan.FromDocument(req.Plan)
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := p.applier.Apply(ctx, pl, req, config, st)
	if err != nil {
		return nil, nil, nil, err
	}
	return st, applied, config, nil
}

// requestView maps the incoming turn onto the "request" section of the
// expression snapshot, so router predicates can branch on the raw query
// or caller-supplied metadata.
func requestView(req *schema.TurnRequest, sessionID string) map[string]any {
	view := map[string]any{
		"session_id": sessionID,
		"query":      req.Query,
	}
	if len(req.Metadata) > 0 {
		meta := make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			meta[k] = v
		}
		view["metadata"] = meta
	}
	return view
}

// runStages drives the bounded stage loop and returns the executed trail.
func (p *Pipeline) runStages(
	ctx context.Context,
	req *schema.TurnRequest,
	st *runstate.ExecutionState,
	applied *schema.AppliedPlan,
) ([]string, error) {
	skip := make(map[string]struct{}, len(applied.SkipAgents))
	for _, name := range applied.SkipAgents {
		skip[name] = struct{}{}
	}

	var trail []string
	current := applied.EntryPoint

	for steps := 0; steps < p.maxSteps; steps++ {
		if current == router.EndTarget {
			return trail, nil
		}
		if _, skipped := skip[current]; skipped {
			logging.LogWith(ctx, p.logger).Debug("stage skipped", slog.String("stage", current))
			current = nextInOrder(applied.Agents, current)
			continue
		}

		fn, ok := p.stageFunc(current)
		if !ok {
			return trail, schema.NewErrorf(schema.ErrCodeNotFound, "stage %q is not registered", current)
		}

		stageCtx := logging.WithStage(ctx, current)
		st.Set(runstate.KeyPipelineStage, current)

		output, err := fn(stageCtx, st, req)
		if err != nil {
			st.MarkFailed(current)
			st.Set(runstate.KeyStageSucceeded, false)
			logging.LogWith(stageCtx, p.logger).Warn("stage failed",
				slog.String("error", err.Error()))
		} else {
			st.RecordOutput(current, output)
			st.MarkSucceeded(current)
			st.Set(runstate.KeyStageSucceeded, true)
		}
		trail = append(trail, current)

		next, err := p.routeAfter(stageCtx, current, st, applied)
		if err != nil {
			return trail, err
		}
		current = next
	}

	return trail, schema.NewErrorf(schema.ErrCodeExecution,
		"turn exceeded %d steps without reaching end", p.maxSteps)
}

// routeAfter consults the stage's router, falling back to the plan's agent
// order when none is wired.
func (p *Pipeline) routeAfter(ctx context.Context, current string, st *runstate.ExecutionState, applied *schema.AppliedPlan) (string, error) {
	if r, ok := p.routerFor(current); ok {
		return r.Route(ctx, st)
	}
	return nextInOrder(applied.Agents, current), nil
}

// nextInOrder returns the agent after current in plan order, or the end
// sentinel when current is last or unknown.
func nextInOrder(agents []string, current string) string {
	for i, name := range agents {
		if name == current && i+1 < len(agents) {
			return agents[i+1]
		}
	}
	return router.EndTarget
}

// writePending persists the pending action the stages asked for, or clears
// the slot when none was set, and returns what the next turn will see.
func (p *Pipeline) writePending(ctx context.Context, sessionID string, st *runstate.ExecutionState) (schema.PendingKind, map[string]any, error) {
	raw, ok := st.Get(KeyPendingKind)
	if !ok {
		if err := p.store.ClearPending(ctx, sessionID); err != nil {
			return schema.PendingNone, nil, err
		}
		return schema.PendingNone, nil, nil
	}

	kindStr, _ := raw.(string)
	kind := schema.ParsePendingKind(kindStr)
	if kind.IsNone() {
		if err := p.store.ClearPending(ctx, sessionID); err != nil {
			return schema.PendingNone, nil, err
		}
		return schema.PendingNone, nil, nil
	}

	var payload map[string]any
	if rawPayload, ok := st.Get(KeyPendingPayload); ok {
		payload, _ = rawPayload.(map[string]any)
	}
	if err := p.store.SetPending(ctx, sessionID, kind, payload); err != nil {
		return schema.PendingNone, nil, err
	}
	return kind, payload, nil
}
