// Package pool caches model selections and reusable chat-client handles
// for the pipeline stages. Handles are keyed by the effective
// "profile @ temperature" configuration so callers requesting configs
// that collapse to the same effective one share a single handle.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// Profile names used by the stage resolution table.
const (
	ProfileFast      = "fast"
	ProfileBalanced  = "balanced"
	ProfileReasoning = "reasoning"
)

// staticDefaults is the fallback selection table used when discovery
// fails or reports nothing usable for a profile.
var staticDefaults = map[string]string{
	ProfileFast:      "gpt-4o-mini",
	ProfileBalanced:  "gpt-4o",
	ProfileReasoning: "o3-mini",
}

// tierPreferences ranks discovered model IDs per profile. The first
// available entry wins; a profile with no match keeps its static default.
var tierPreferences = map[string][]string{
	ProfileFast:      {"gpt-4o-mini", "gpt-4.1-mini", "gpt-3.5-turbo"},
	ProfileBalanced:  {"gpt-4o", "gpt-4.1", "gpt-4-turbo"},
	ProfileReasoning: {"o3", "o3-mini", "o1", "o1-mini"},
}

// stageProfiles maps pipeline stages to model profiles. Unknown stages
// fall back to the balanced profile.
var stageProfiles = map[string]string{
	"classify":   ProfileFast,
	"search":     ProfileBalanced,
	"refine":     ProfileBalanced,
	"critic":     ProfileReasoning,
	"synthesize": ProfileReasoning,
	"finalize":   ProfileFast,
}

// reasoningPrefixes identifies model families that reject an explicit
// sampling temperature. Requests against them have the temperature
// silently dropped before the handle is created.
var reasoningPrefixes = []string{"o1", "o3", "o4"}

// Discoverer lists the model IDs available at the backing endpoint.
type Discoverer interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Handle is an immutable, shareable chat-client binding for one
// effective configuration.
type Handle struct {
	Profile        string
	Model          string
	Temperature    float32
	HasTemperature bool
	Client         *openai.Client
}

// Key returns the effective cache key for the handle.
func (h *Handle) Key() string {
	return effectiveKey(h.Profile, h.Temperature, h.HasTemperature)
}

// Metrics reports handle cache activity.
type Metrics struct {
	Created int64 `json:"created"`
	Reused  int64 `json:"reused"`
	Served  int64 `json:"served"`
}

// ReuseRatio is the fraction of served requests answered from cache.
func (m Metrics) ReuseRatio() float64 {
	if m.Served == 0 {
		return 0
	}
	return float64(m.Reused) / float64(m.Served)
}

// ClientFactory builds the chat client bound into a new handle.
// Overridable so tests never construct real HTTP clients.
type ClientFactory func(model string) *openai.Client

// ModelPool resolves per-stage model profiles and caches chat-client
// handles. Construct one with NewModelPool and inject it; the pool
// performs its one-time discovery lazily on first use.
type ModelPool struct {
	mu          sync.Mutex
	discoverer  Discoverer
	logger      *slog.Logger
	factory     ClientFactory
	initialized bool
	selections  map[string]string
	handles     map[string]*Handle
	metrics     Metrics
}

// Option adjusts pool construction.
type Option func(*ModelPool)

// WithClientFactory overrides how chat clients are built for new handles.
func WithClientFactory(f ClientFactory) Option {
	return func(p *ModelPool) { p.factory = f }
}

// NewModelPool builds an empty pool. A nil discoverer skips discovery
// and serves the static default table.
func NewModelPool(discoverer Discoverer, logger *slog.Logger, opts ...Option) *ModelPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ModelPool{
		discoverer: discoverer,
		logger:     logger,
		factory:    defaultClientFactory,
		selections: make(map[string]string, len(staticDefaults)),
		handles:    make(map[string]*Handle),
	}
	for profile, model := range staticDefaults {
		p.selections[profile] = model
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultClientFactory(model string) *openai.Client {
	return openai.NewClient("")
}

// InitIfNeeded runs model discovery exactly once. Discovery failure is
// logged and the pool marks itself initialized anyway, keeping the
// static default table in effect.
func (p *ModelPool) InitIfNeeded(ctx context.Context) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var available []string
	var err error
	if p.discoverer != nil {
		available, err = p.discoverer.ListModels(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return
	}
	p.initialized = true

	if p.discoverer == nil {
		p.logger.Debug("model discovery skipped, serving static defaults")
		return
	}
	if err != nil {
		p.logger.Warn("model discovery failed, serving static defaults", "error", err)
		return
	}

	found := 0
	for profile, prefs := range tierPreferences {
		for _, candidate := range prefs {
			if containsModel(available, candidate) {
				p.selections[profile] = candidate
				found++
				break
			}
		}
	}
	p.logger.Info("model discovery complete",
		"available", len(available), "profiles_resolved", found)
}

// ResolveProfile maps a pipeline stage to a model profile and the model
// currently selected for it.
func (p *ModelPool) ResolveProfile(stage string) (profile, model string) {
	profile, ok := stageProfiles[strings.ToLower(strings.TrimSpace(stage))]
	if !ok {
		profile = ProfileBalanced
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	model, ok = p.selections[profile]
	if !ok {
		model = staticDefaults[ProfileBalanced]
	}
	return profile, model
}

// GetOrCreate returns the cached handle for the effective configuration,
// constructing and storing one on first use. Temperature is dropped for
// reasoning-series model families before keying, so a request with a
// temperature against such a model shares the handle of one without.
func (p *ModelPool) GetOrCreate(ctx context.Context, profile string, temperature float32) (*Handle, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if _, ok := staticDefaults[profile]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown model profile %q", profile)
	}
	p.InitIfNeeded(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	model := p.selections[profile]
	hasTemp := !omitsTemperature(model)
	if !hasTemp {
		temperature = 0
	}
	key := effectiveKey(profile, temperature, hasTemp)

	p.metrics.Served++
	if h, ok := p.handles[key]; ok {
		p.metrics.Reused++
		return h, nil
	}

	h := &Handle{
		Profile:        profile,
		Model:          model,
		Temperature:    temperature,
		HasTemperature: hasTemp,
		Client:         p.factory(model),
	}
	p.handles[key] = h
	p.metrics.Created++
	p.logger.Debug("created model handle", "key", key, "model", model)
	return h, nil
}

// Metrics returns a copy of the pool counters.
func (p *ModelPool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Reset drops all handles, counters, and discovery state. Test isolation
// only; production code constructs one pool and keeps it.
func (p *ModelPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	p.handles = make(map[string]*Handle)
	p.metrics = Metrics{}
	p.selections = make(map[string]string, len(staticDefaults))
	for profile, model := range staticDefaults {
		p.selections[profile] = model
	}
}

func effectiveKey(profile string, temperature float32, hasTemp bool) string {
	if !hasTemp {
		return profile + "@none"
	}
	return fmt.Sprintf("%s@%.2f", profile, temperature)
}

func omitsTemperature(model string) bool {
	for _, prefix := range reasoningPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func containsModel(available []string, id string) bool {
	for _, m := range available {
		if m == id {
			return true
		}
	}
	return false
}
