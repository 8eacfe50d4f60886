package providers

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls backoff between attempts of a retryable call
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// RetryPolicyFromConfig derives a policy from provider configuration
func RetryPolicyFromConfig(cfg ProviderConfig) RetryPolicy {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  delay,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Delay returns the wait before attempt n (n >= 1)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		delay += delay * p.JitterFactor * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

type noRetryKey struct{}

// WithoutRetry marks ctx so Retry makes a single attempt
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// Rate limit errors wait for their RetryAfter hint when it exceeds the backoff delay.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if ctx.Value(noRetryKey{}) != nil {
		policy.MaxRetries = 0
	}

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.Delay(attempt)
			if hint := RetryAfter(lastErr); hint > wait {
				wait = hint
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}

	return zero, lastErr
}
