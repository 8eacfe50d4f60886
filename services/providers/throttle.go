package providers

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttle enforces a backend's static RateLimits on the client side
type Throttle struct {
	backend  Backend
	requests *rate.Limiter
	tokens   *rate.Limiter
	inflight *semaphore.Weighted
}

// NewThrottle builds a throttle. Zero limits are unbounded.
func NewThrottle(backend Backend, limits RateLimits) *Throttle {
	t := &Throttle{backend: backend}
	if limits.RequestsPerMinute > 0 {
		perSec := rate.Limit(float64(limits.RequestsPerMinute) / 60)
		t.requests = rate.NewLimiter(perSec, max(1, limits.RequestsPerMinute/10))
	}
	if limits.TokensPerMinute > 0 {
		t.tokens = rate.NewLimiter(rate.Limit(float64(limits.TokensPerMinute)/60), limits.TokensPerMinute)
	}
	if limits.ConcurrentRequests > 0 {
		t.inflight = semaphore.NewWeighted(int64(limits.ConcurrentRequests))
	}
	return t
}

// Acquire blocks until the request may proceed. The returned release must be called
// once the request finishes.
func (t *Throttle) Acquire(ctx context.Context, estimatedTokens int) (func(), error) {
	if t.inflight != nil {
		if err := t.inflight.Acquire(ctx, 1); err != nil {
			return nil, TransportError(t.backend, err)
		}
	}
	release := func() {
		if t.inflight != nil {
			t.inflight.Release(1)
		}
	}

	if t.requests != nil {
		if err := t.requests.Wait(ctx); err != nil {
			release()
			return nil, TransportError(t.backend, err)
		}
	}
	if t.tokens != nil && estimatedTokens > 0 {
		n := int(math.Min(float64(estimatedTokens), float64(t.tokens.Burst())))
		if err := t.tokens.WaitN(ctx, n); err != nil {
			release()
			return nil, TransportError(t.backend, err)
		}
	}
	return release, nil
}

// EstimateTokens is a rough chars/4 estimate of a request's prompt size
func EstimateTokens(req *ModelRequest) int {
	n := len(req.SystemPrompt)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n/4 + req.MaxTokens
}
