// Package engine runs conversational turns: it resolves the session,
// applies the execution plan, drives the registered stages under router
// control, and writes the turn's outcome back to the session store.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/turnpike-ai/turnpike/internal/plan"
	"github.com/turnpike-ai/turnpike/internal/pool"
	"github.com/turnpike-ai/turnpike/internal/router"
	"github.com/turnpike-ai/turnpike/internal/runstate"
	"github.com/turnpike-ai/turnpike/internal/session"
	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// Bag keys the engine reads from or writes into the execution state.
const (
	// KeyIntent is where a classification stage records the turn's intent.
	KeyIntent = "intent"
	// KeyPendingKind / KeyPendingPayload are written by a stage that wants
	// the next turn to resume a sub-flow.
	KeyPendingKind    = "pending_kind"
	KeyPendingPayload = "pending_payload"
	// KeyIncomingPendingKind / KeyIncomingPendingPayload carry the pending
	// action left by the previous turn into this run's bag.
	KeyIncomingPendingKind    = "incoming_pending_kind"
	KeyIncomingPendingPayload = "incoming_pending_payload"
)

// DefaultMaxSteps bounds the stage loop of a single turn.
const DefaultMaxSteps = 32

// DefaultMaxSessionConfigs bounds the per-session config cache. Sessions
// pruned or deleted from the store never report back to the engine, so the
// cache evicts its stalest entry once the cap is reached.
const DefaultMaxSessionConfigs = 4096

// StageFunc executes one pipeline stage. Its return value is recorded in
// the bag as the stage's output before routing is evaluated.
type StageFunc func(ctx context.Context, st *runstate.ExecutionState, req *schema.TurnRequest) (any, error)

// Config holds pipeline construction options.
type Config struct {
	// MaxSteps caps the number of stage executions per turn. Zero selects
	// DefaultMaxSteps.
	MaxSteps int

	// MaxSessionConfigs caps the per-session config cache. Zero selects
	// DefaultMaxSessionConfigs.
	MaxSessionConfigs int
}

// sessionConfig is the per-session applied configuration the engine keeps
// between turns. The execution state bag is per-run and discarded; the
// locked route and the rest of the applied plan must outlive it.
type sessionConfig struct {
	createdAt time.Time
	lastUse   time.Time
	applied   *schema.AppliedPlan
	config    map[string]any
}

// Pipeline is the turn execution coordinator.
type Pipeline struct {
	store      session.Store
	pool       *pool.ModelPool
	applier    *plan.Applier
	logger     *slog.Logger
	maxSteps   int
	maxConfigs int

	mu      sync.RWMutex
	stages  map[string]StageFunc
	routers map[string]router.Router
	configs map[string]*sessionConfig
}

// NewPipeline builds a pipeline over the given session store and model pool.
func NewPipeline(store session.Store, mp *pool.ModelPool, logger *slog.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	maxConfigs := cfg.MaxSessionConfigs
	if maxConfigs <= 0 {
		maxConfigs = DefaultMaxSessionConfigs
	}
	return &Pipeline{
		store:      store,
		pool:       mp,
		applier:    plan.NewApplier(logger),
		logger:     logger,
		maxSteps:   maxSteps,
		maxConfigs: maxConfigs,
		stages:     make(map[string]StageFunc),
		routers:    make(map[string]router.Router),
		configs:    make(map[string]*sessionConfig),
	}
}

// RegisterStage adds a named stage. Registering a duplicate or empty name,
// or a nil function, is a validation error.
func (p *Pipeline) RegisterStage(name string, fn StageFunc) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "stage name cannot be empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "stage %q has a nil function", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.stages[name]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "stage %q already registered", name)
	}
	p.stages[name] = fn
	return nil
}

// SetRouter wires the router consulted after the named stage completes.
// Stages without a router fall through to the plan's agent order.
func (p *Pipeline) SetRouter(stage string, r router.Router) error {
	if stage == "" {
		return schema.NewError(schema.ErrCodeValidation, "router stage name cannot be empty")
	}
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "stage %q given a nil router", stage)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routers[stage] = r
	return nil
}

// PoolMetrics exposes the resource pool counters for dashboards.
func (p *Pipeline) PoolMetrics() pool.Metrics {
	return p.pool.Metrics()
}

// Pool returns the injected model pool for stage implementations.
func (p *Pipeline) Pool() *pool.ModelPool { return p.pool }

func (p *Pipeline) stageFunc(name string) (StageFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn, ok := p.stages[name]
	return fn, ok
}

func (p *Pipeline) routerFor(name string) (router.Router, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routers[name]
	return r, ok
}

// sessionConfigFor returns the cached configuration for the session, dropping
// it when the store has since replaced the session with a fresh record.
func (p *Pipeline) sessionConfigFor(sess *session.Session) *sessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.configs[sess.ID]
	if !ok {
		return nil
	}
	if !cfg.createdAt.Equal(sess.CreatedAt) {
		delete(p.configs, sess.ID)
		return nil
	}
	cfg.lastUse = time.Now()
	return cfg
}

func (p *Pipeline) storeSessionConfig(sess *session.Session, applied *schema.AppliedPlan, config map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.configs[sess.ID]; !exists && len(p.configs) >= p.maxConfigs {
		p.evictStalestConfig()
	}
	p.configs[sess.ID] = &sessionConfig{
		createdAt: sess.CreatedAt,
		lastUse:   time.Now(),
		applied:   applied,
		config:    config,
	}
}

// evictStalestConfig drops the least recently used entry. Callers hold p.mu.
func (p *Pipeline) evictStalestConfig() {
	var stalest string
	var stalestUse time.Time
	for id, cfg := range p.configs {
		if stalest == "" || cfg.lastUse.Before(stalestUse) {
			stalest = id
			stalestUse = cfg.lastUse
		}
	}
	if stalest != "" {
		delete(p.configs, stalest)
	}
}
