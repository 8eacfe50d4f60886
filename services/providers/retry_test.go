package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    retries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestRetry_SucceedsAfterRetryableErrors(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewProviderError(BackendAnthropic, CodeServer, "busy", 503, true, nil)
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewAuthError(BackendAnthropic, 401, "nope")
	})

	assert.True(t, IsAuthError(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_PlainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, TransportError(BackendGemini, errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_WithoutRetry(t *testing.T) {
	calls := 0
	_, err := Retry(WithoutRetry(context.Background()), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, TransportError(BackendGemini, errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(5)
	policy.InitialDelay = time.Hour
	policy.MaxDelay = time.Hour

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewRateLimitError(BackendOpenRouter, "slow", 0)
	})

	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))

	p.JitterFactor = 0.1
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(ProviderConfig{MaxRetries: 4})
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)

	p = RetryPolicyFromConfig(ProviderConfig{RetryDelay: time.Second})
	assert.Equal(t, time.Second, p.InitialDelay)
}
