package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_Unbounded(t *testing.T) {
	th := NewThrottle(BackendAnthropic, RateLimits{})

	for i := 0; i < 100; i++ {
		release, err := th.Acquire(context.Background(), 1_000_000)
		require.NoError(t, err)
		release()
	}
}

func TestThrottle_ConcurrencyCap(t *testing.T) {
	th := NewThrottle(BackendAnthropic, RateLimits{ConcurrentRequests: 1})

	release, err := th.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.Acquire(ctx, 0)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	release()
	release2, err := th.Acquire(context.Background(), 0)
	require.NoError(t, err)
	release2()
}

func TestThrottle_RequestRate(t *testing.T) {
	// 6 RPM gives a burst of one request and a refill every ten seconds
	th := NewThrottle(BackendGemini, RateLimits{RequestsPerMinute: 6})

	release, err := th.Acquire(context.Background(), 0)
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = th.Acquire(ctx, 0)
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	req := &ModelRequest{
		SystemPrompt: "12345678",
		MaxTokens:    10,
		Messages:     []Message{{Role: "user", Content: "abcdefgh"}},
	}
	assert.Equal(t, 4+10, EstimateTokens(req))
}
