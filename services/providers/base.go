package providers

import (
	"context"
	"time"
)

// Base carries the behavior shared by every backend adapter: model mapping,
// pricing, static rate limits and config ownership.
type Base struct {
	backend  Backend
	cfg      ProviderConfig
	models   *ModelMap
	pricing  *PricingTable
	limits   RateLimits
	throttle *Throttle
}

// NewBase creates the shared adapter state. cfg is copied.
func NewBase(backend Backend, cfg ProviderConfig, deps Deps, limits RateLimits) Base {
	return Base{
		backend:  backend,
		cfg:      cfg.Clone(),
		models:   deps.Models,
		pricing:  deps.Pricing,
		limits:   limits,
		throttle: NewThrottle(backend, limits),
	}
}

// Backend returns the backend this provider talks to
func (b *Base) Backend() Backend {
	return b.backend
}

// Config returns a copy of the provider configuration
func (b *Base) Config() ProviderConfig {
	return b.cfg.Clone()
}

// GetRateLimits returns the static client-side limits
func (b *Base) GetRateLimits() RateLimits {
	return b.limits
}

// MapModelID resolves logical names; unknown names pass through
func (b *Base) MapModelID(name string) string {
	if b.models == nil {
		return name
	}
	return b.models.MapModelID(name, b.backend)
}

// ResolveModel is MapModelID that fails for logical names with no mapping
func (b *Base) ResolveModel(name string) (string, error) {
	if b.models == nil || !b.models.IsLogical(name) {
		return name, nil
	}
	return b.models.Resolve(LogicalModel(name), b.backend)
}

// EstimateCost prices a usage tuple; unknown ids use the backend default
func (b *Base) EstimateCost(inputTokens, outputTokens int, modelID string) float64 {
	if b.pricing == nil {
		return 0
	}
	return b.pricing.Cost(b.backend, b.MapModelID(modelID), inputTokens, outputTokens)
}

// Throttle returns the client-side limiter
func (b *Base) Throttle() *Throttle {
	return b.throttle
}

// Timeout returns the per-request timeout, zero meaning none
func (b *Base) Timeout() time.Duration {
	return b.cfg.Timeout
}

// WithTimeout applies the configured per-request timeout to ctx
func (b *Base) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// ProbeHealth runs the minimal probe request against p and times it
func ProbeHealth(ctx context.Context, p Provider) HealthCheckResult {
	start := time.Now()
	_, err := p.SendRequest(WithoutRetry(ctx), ProbeRequest())
	result := HealthCheckResult{
		Backend:   p.Backend(),
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// ProbeAuth reports whether p accepts its credentials. A throttled probe still
// proves the credentials were accepted; every other failure reports false.
func ProbeAuth(ctx context.Context, p Provider) bool {
	_, err := p.SendRequest(WithoutRetry(ctx), ProbeRequest())
	return err == nil || IsRateLimitError(err)
}
