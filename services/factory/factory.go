// Package factory routes requests across a primary and an optional fallback provider.
package factory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/internal/observability"
	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/repositories"
	"github.com/upb/llm-failover/services/providers"
)

// ErrPrimaryRequired is returned when the factory is built without a primary provider
var ErrPrimaryRequired = errors.New("primary provider is required")

const usageWriteTimeout = 5 * time.Second

// Settings are the routing switches of a factory
type Settings struct {
	AutoFallback bool `json:"auto_fallback"`
}

// CircuitGate decides whether a backend may receive traffic
type CircuitGate interface {
	Allow(backend providers.Backend) error
	Current() providers.Backend
}

// OutcomeRecorder receives the result of every call that reached a backend
type OutcomeRecorder interface {
	RecordOutcome(backend providers.Backend, latency time.Duration, err error)
}

// Builder constructs providers; *providers.Registry implements it
type Builder interface {
	Build(backend providers.Backend, cfg providers.ProviderConfig) (providers.Provider, error)
}

// Options are the optional collaborators of a factory
type Options struct {
	Gate     CircuitGate
	Outcomes OutcomeRecorder

	// Standby holds built providers outside the two slots. When the gate
	// makes one of them active, it serves traffic ahead of the primary.
	Standby map[providers.Backend]providers.Provider

	Usage    repositories.UsageRepository
	Models   *providers.ModelMap
	Metrics  observability.Metrics
	Logger   *zap.Logger

	// RequestID extracts the caller's request id from ctx
	RequestID func(ctx context.Context) string

	// OnSwitch is called after SwitchProvider replaced the primary
	OnSwitch func(old, replacement providers.Provider)
}

// CostQuote is the price of a request shape on one slot
type CostQuote struct {
	Backend providers.Backend `json:"backend"`
	Model   string            `json:"model"`
	Cost    float64           `json:"cost"`
}

// CostComparison compares the primary and fallback slots. Advisory only.
type CostComparison struct {
	Primary        *CostQuote        `json:"primary"`
	Fallback       *CostQuote        `json:"fallback,omitempty"`
	Recommendation providers.Backend `json:"recommendation"`
}

// Factory holds the primary and fallback slots
type Factory struct {
	mu       sync.RWMutex
	primary  providers.Provider
	fallback providers.Provider
	settings Settings

	builder Builder
	opts    Options
	logger  *zap.Logger
	metrics observability.Metrics
}

// New creates a factory. fallback and builder may be nil.
func New(primary, fallback providers.Provider, settings Settings, builder Builder, opts Options) (*Factory, error) {
	if primary == nil {
		return nil, ErrPrimaryRequired
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics{}
	}
	return &Factory{
		primary:  primary,
		fallback: fallback,
		settings: settings,
		builder:  builder,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Primary returns the primary provider
func (f *Factory) Primary() providers.Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.primary
}

// Fallback returns the fallback provider, or nil
func (f *Factory) Fallback() providers.Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fallback
}

// Settings returns a copy of the settings
func (f *Factory) Settings() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// SetAutoFallback toggles automatic fallback
func (f *Factory) SetAutoFallback(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.AutoFallback = enabled
}

// SetFallback replaces the fallback slot; nil clears it
func (f *Factory) SetFallback(p providers.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = p
}

// SwitchProvider builds a provider for backend and installs it as primary.
// The fallback slot and settings are kept.
func (f *Factory) SwitchProvider(backend providers.Backend, cfg providers.ProviderConfig) error {
	if f.builder == nil {
		return errors.New("factory has no provider builder")
	}
	p, err := f.builder.Build(backend, cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	old := f.primary
	f.primary = p
	f.mu.Unlock()

	f.logger.Info("primary provider switched",
		zap.String("from", old.Backend().String()),
		zap.String("to", backend.String()),
	)
	if f.opts.OnSwitch != nil {
		f.opts.OnSwitch(old, p)
	}
	return nil
}

// order returns the providers to try for one request. The gate's active
// backend goes first; the slots follow only with automatic fallback.
func (f *Factory) order() []providers.Provider {
	f.mu.RLock()
	primary, fallback, settings := f.primary, f.fallback, f.settings
	f.mu.RUnlock()

	first := primary
	if active, ok := f.active(primary, fallback); ok {
		first = active
	}
	out := []providers.Provider{first}
	if !settings.AutoFallback {
		return out
	}
	for _, p := range []providers.Provider{primary, fallback} {
		if p != nil && p.Backend() != first.Backend() {
			out = append(out, p)
		}
	}
	return out
}

// active returns the provider for the gate's current backend when it is not the primary
func (f *Factory) active(primary, fallback providers.Provider) (providers.Provider, bool) {
	if f.opts.Gate == nil {
		return nil, false
	}
	current := f.opts.Gate.Current()
	switch {
	case current == "" || current == primary.Backend():
		return nil, false
	case fallback != nil && current == fallback.Backend():
		return fallback, true
	}
	p, ok := f.opts.Standby[current]
	if !ok {
		f.logger.Warn("active backend has no provider; routing to primary",
			zap.String("active", current.String()))
	}
	return p, ok
}

// ExecuteRequest sends req to the active provider and, when automatic fallback
// is enabled, retries on the remaining slots. With no fallback the first
// provider's error is returned unchanged.
func (f *Factory) ExecuteRequest(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	order := f.order()

	var err error
	for i, p := range order {
		var resp *providers.ModelResponse
		resp, err = f.send(ctx, p, req)
		if err == nil {
			if i > 0 {
				f.metrics.RecordFallback(order[0].Backend().String(), p.Backend().String())
			}
			return resp, nil
		}
		if !f.shouldFallBack(ctx, i, len(order)) {
			break
		}
		f.logger.Warn("falling back to secondary provider",
			zap.String("from", p.Backend().String()),
			zap.String("to", order[i+1].Backend().String()),
			zap.Error(err),
		)
	}
	return nil, err
}

// ExecuteStream streams req with the same fallback policy as ExecuteRequest.
// Fallback is only attempted when the failed provider emitted no chunk.
func (f *Factory) ExecuteStream(ctx context.Context, req *providers.ModelRequest, callback providers.StreamCallback) error {
	order := f.order()

	var err error
	for i, p := range order {
		var emitted bool
		emitted, err = f.stream(ctx, p, req, callback)
		if err == nil {
			if i > 0 {
				f.metrics.RecordFallback(order[0].Backend().String(), p.Backend().String())
			}
			return nil
		}
		if emitted {
			f.logger.Warn("stream failed after partial delivery",
				zap.String("backend", p.Backend().String()),
				zap.Error(err),
			)
			return err
		}
		if !f.shouldFallBack(ctx, i, len(order)) {
			break
		}
		f.logger.Warn("falling back to secondary provider for stream",
			zap.String("from", p.Backend().String()),
			zap.String("to", order[i+1].Backend().String()),
			zap.Error(err),
		)
	}
	return err
}

func (f *Factory) shouldFallBack(ctx context.Context, i, n int) bool {
	return i+1 < n && ctx.Err() == nil
}

func (f *Factory) send(ctx context.Context, p providers.Provider, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	backend := p.Backend()
	if err := f.allow(backend, req.Model); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.SendRequest(ctx, req)
	latency := time.Since(start)
	f.observe(backend, req.Model, latency, err)
	if err != nil {
		return nil, err
	}

	if resp.Backend == "" {
		resp.Backend = backend
	}
	if resp.Latency == 0 {
		resp.Latency = latency
	}
	f.recordUsage(ctx, p, req, resp.Model, resp.Usage, latency)
	return resp, nil
}

func (f *Factory) stream(ctx context.Context, p providers.Provider, req *providers.ModelRequest, callback providers.StreamCallback) (bool, error) {
	backend := p.Backend()
	if err := f.allow(backend, req.Model); err != nil {
		return false, err
	}

	var (
		emitted bool
		final   *providers.StreamChunk
	)
	start := time.Now()
	err := p.StreamRequest(ctx, req, func(chunk *providers.StreamChunk) error {
		emitted = true
		if chunk.Done {
			final = chunk
		}
		return callback(chunk)
	})
	latency := time.Since(start)
	f.observe(backend, req.Model, latency, err)
	if err != nil {
		return emitted, err
	}

	if final != nil && final.Usage != nil {
		f.recordUsage(ctx, p, req, final.Model, *final.Usage, latency)
	}
	return emitted, nil
}

func (f *Factory) allow(backend providers.Backend, model string) error {
	if f.opts.Gate == nil {
		return nil
	}
	if err := f.opts.Gate.Allow(backend); err != nil {
		f.metrics.RecordRequest(backend.String(), model, observability.OutcomeCircuitOpen, 0)
		return err
	}
	return nil
}

// observe reports an attempted call. Caller cancellations are not the backend's fault.
func (f *Factory) observe(backend providers.Backend, model string, latency time.Duration, err error) {
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeError
	}
	f.metrics.RecordRequest(backend.String(), model, outcome, latency)

	if err != nil {
		f.logger.Warn("provider request failed",
			zap.String("backend", backend.String()),
			zap.String("model", model),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	if f.opts.Outcomes == nil || errors.Is(err, context.Canceled) {
		return
	}
	f.opts.Outcomes.RecordOutcome(backend, latency, err)
}

func (f *Factory) recordUsage(ctx context.Context, p providers.Provider, req *providers.ModelRequest, modelID string, usage providers.Usage, latency time.Duration) {
	backend := p.Backend()
	if modelID == "" {
		modelID = p.MapModelID(req.Model)
	}
	cost := p.EstimateCost(usage.InputTokens, usage.OutputTokens, modelID)

	f.metrics.RecordTokens(backend.String(), modelID, usage.InputTokens, usage.OutputTokens)
	f.metrics.RecordCost(backend.String(), modelID, cost)

	if f.opts.Usage == nil {
		return
	}

	var requestID string
	if f.opts.RequestID != nil {
		requestID = f.opts.RequestID(ctx)
	}
	rec := models.NewUsageRecord(requestID, backend.String(), modelID, f.logicalModel(backend, req.Model, modelID))
	rec.InputTokens = usage.InputTokens
	rec.OutputTokens = usage.OutputTokens
	rec.Cost = cost
	rec.LatencyMs = latency.Milliseconds()
	rec.PromptHash = promptHash(req)

	// outlives the caller's ctx
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageWriteTimeout)
	defer cancel()
	if err := f.opts.Usage.Insert(wctx, rec); err != nil {
		f.logger.Error("failed to persist usage",
			zap.String("backend", backend.String()),
			zap.String("model", modelID),
			zap.Error(err),
		)
	}
}

func (f *Factory) logicalModel(backend providers.Backend, requested, modelID string) string {
	if f.opts.Models == nil {
		return ""
	}
	if f.opts.Models.IsLogical(requested) {
		return requested
	}
	if tier, ok := f.opts.Models.LogicalFor(backend, modelID); ok {
		return string(tier)
	}
	return ""
}

func promptHash(req *providers.ModelRequest) string {
	parts := make([]string, 0, 2*len(req.Messages)+1)
	parts = append(parts, req.SystemPrompt)
	for _, m := range req.Messages {
		parts = append(parts, m.Role, m.Content)
	}
	return models.HashPrompt(parts...)
}

// CompareCosts prices a request shape on both slots. It does not change routing.
func (f *Factory) CompareCosts(inputTokens, outputTokens int, model string) CostComparison {
	f.mu.RLock()
	primary, fallback := f.primary, f.fallback
	f.mu.RUnlock()

	quote := func(p providers.Provider) *CostQuote {
		id := p.MapModelID(model)
		return &CostQuote{
			Backend: p.Backend(),
			Model:   id,
			Cost:    p.EstimateCost(inputTokens, outputTokens, id),
		}
	}

	cmp := CostComparison{Primary: quote(primary)}
	cmp.Recommendation = cmp.Primary.Backend
	if fallback != nil {
		cmp.Fallback = quote(fallback)
		if cmp.Fallback.Cost < cmp.Primary.Cost {
			cmp.Recommendation = cmp.Fallback.Backend
		}
	}
	return cmp
}
