package router

import (
	"context"
	"sync"

	"github.com/turnpike-ai/turnpike/internal/runstate"
)

// DefaultMaxFailures is the consecutive-failure threshold that opens the circuit.
const DefaultMaxFailures = 3

// FailureHandlingRouterConfig configures a FailureHandlingRouter.
type FailureHandlingRouterConfig struct {
	SuccessTarget string
	FailureTarget string
	// RetryTarget receives failures while retries remain. Defaults to
	// FailureTarget when empty.
	RetryTarget string
	// MaxFailures is the consecutive-failure threshold. Defaults to
	// DefaultMaxFailures when zero.
	MaxFailures int
	// DisableCircuitBreaking keeps the circuit permanently closed; failures
	// beyond the retry budget still route to FailureTarget but recovery
	// needs no explicit reset.
	DisableCircuitBreaking bool
}

// FailureHandlingRouter routes on the last stage's success flag with a
// bounded retry budget and a circuit breaker.
//
// The consecutive-failure counter and the circuit-open flag live on the
// router instance; the retry count consumed per run lives in the shared
// ExecutionState. An instance therefore carries failure history across runs
// by design, and sharing one instance across concurrent runs is not a
// supported scenario (see DESIGN.md).
type FailureHandlingRouter struct {
	cfg FailureHandlingRouterConfig

	mu                  sync.Mutex
	consecutiveFailures int
	circuitOpen         bool
}

// NewFailureHandlingRouter creates a FailureHandlingRouter, applying the
// config defaults.
func NewFailureHandlingRouter(cfg FailureHandlingRouterConfig) *FailureHandlingRouter {
	if cfg.RetryTarget == "" {
		cfg.RetryTarget = cfg.FailureTarget
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &FailureHandlingRouter{cfg: cfg}
}

// Route decides the next stage. An open circuit short-circuits every call to
// the failure target until ResetFailureState is called.
func (r *FailureHandlingRouter) Route(ctx context.Context, st *runstate.ExecutionState) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.circuitOpen {
		return r.cfg.FailureTarget, nil
	}

	if st.GetBool(runstate.KeyStageSucceeded, true) {
		r.consecutiveFailures = 0
		return r.cfg.SuccessTarget, nil
	}

	r.consecutiveFailures++
	if r.consecutiveFailures >= r.cfg.MaxFailures {
		if !r.cfg.DisableCircuitBreaking {
			r.circuitOpen = true
		}
		return r.cfg.FailureTarget, nil
	}

	// Retry budget is per run, tracked in the shared bag, not on the router.
	if retries := st.GetInt(runstate.KeyRetryCount); retries < r.cfg.MaxFailures {
		st.Set(runstate.KeyRetryCount, retries+1)
		return r.cfg.RetryTarget, nil
	}
	return r.cfg.FailureTarget, nil
}

// ResetFailureState clears the instance's failure counter and closes the circuit.
func (r *FailureHandlingRouter) ResetFailureState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.circuitOpen = false
}

// FailureCount returns the current consecutive-failure counter.
func (r *FailureHandlingRouter) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}

// CircuitOpen reports whether the circuit is open.
func (r *FailureHandlingRouter) CircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen
}

func (r *FailureHandlingRouter) PossibleTargets() []string {
	return dedupe([]string{r.cfg.SuccessTarget, r.cfg.RetryTarget, r.cfg.FailureTarget})
}

var _ Router = (*FailureHandlingRouter)(nil)
