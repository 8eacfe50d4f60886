package providers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/services/providers/providertest"
)

func fakeBuilder(backend providers.Backend) providers.ProviderBuilder {
	return func(cfg providers.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
		return providertest.New(backend), nil
	}
}

func TestRegistry_RegisterAndBuild(t *testing.T) {
	reg := providers.NewRegistry(providers.Deps{})

	require.NoError(t, reg.Register(providers.BackendGemini, fakeBuilder(providers.BackendGemini)))
	require.NoError(t, reg.Register(providers.BackendAnthropic, fakeBuilder(providers.BackendAnthropic)))
	assert.ErrorIs(t, reg.Register(providers.BackendGemini, fakeBuilder(providers.BackendGemini)), providers.ErrProviderAlreadyRegistered)
	assert.Error(t, reg.Register(providers.BackendOpenRouter, nil))

	assert.Equal(t, []providers.Backend{providers.BackendAnthropic, providers.BackendGemini}, reg.Backends())
	assert.NotNil(t, reg.Deps().Logger)

	p, err := reg.Build(providers.BackendGemini, providers.ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, providers.BackendGemini, p.Backend())
}

func TestRegistry_BuildErrors(t *testing.T) {
	reg := providers.NewRegistry(providers.Deps{})
	require.NoError(t, reg.Register(providers.BackendAnthropic, func(providers.ProviderConfig, providers.Deps) (providers.Provider, error) {
		return nil, errors.New("no client")
	}))

	_, err := reg.Build(providers.BackendOpenRouter, providers.ProviderConfig{APIKey: "k"})
	assert.ErrorIs(t, err, providers.ErrProviderNotFound)

	_, err = reg.Build(providers.BackendAnthropic, providers.ProviderConfig{})
	assert.ErrorContains(t, err, "invalid anthropic config")

	_, err = reg.Build(providers.BackendAnthropic, providers.ProviderConfig{APIKey: "k"})
	assert.ErrorContains(t, err, "no client")
}

func TestRegistry_BuildCopiesConfig(t *testing.T) {
	var seen providers.ProviderConfig
	reg := providers.NewRegistry(providers.Deps{})
	require.NoError(t, reg.Register(providers.BackendAnthropic, func(cfg providers.ProviderConfig, _ providers.Deps) (providers.Provider, error) {
		seen = cfg
		return providertest.New(providers.BackendAnthropic), nil
	}))

	cfg := providers.ProviderConfig{APIKey: "k", Headers: map[string]string{"a": "1"}}
	_, err := reg.Build(providers.BackendAnthropic, cfg)
	require.NoError(t, err)

	cfg.Headers["a"] = "2"
	assert.Equal(t, "1", seen.Headers["a"])
}

func TestProbeHealth(t *testing.T) {
	fake := providertest.New(providers.BackendOpenRouter)

	result := providers.ProbeHealth(context.Background(), fake)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Error)
	assert.Equal(t, providers.BackendOpenRouter, result.Backend)
	assert.Equal(t, "haiku-tier", fake.LastRequest().Model)
	assert.Equal(t, 1, fake.LastRequest().MaxTokens)

	fake.SetErr(providers.NewProviderError(providers.BackendOpenRouter, providers.CodeServer, "down", 503, true, nil))
	result = providers.ProbeHealth(context.Background(), fake)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Error, "down")
	assert.WithinDuration(t, time.Now(), result.CheckedAt, time.Second)
}

func TestProbeAuth(t *testing.T) {
	fake := providertest.New(providers.BackendAnthropic)
	assert.True(t, providers.ProbeAuth(context.Background(), fake))

	fake.SetErr(providers.NewRateLimitError(providers.BackendAnthropic, "busy", 0))
	assert.True(t, providers.ProbeAuth(context.Background(), fake))

	fake.SetErr(providers.NewAuthError(providers.BackendAnthropic, 401, "bad key"))
	assert.False(t, providers.ProbeAuth(context.Background(), fake))

	fake.SetErr(providers.NewProviderError(providers.BackendAnthropic, providers.CodeServer, "down", 500, true, nil))
	assert.False(t, providers.ProbeAuth(context.Background(), fake))
}

func TestBase_ModelAndCost(t *testing.T) {
	models := providers.NewModelMap(map[providers.LogicalModel]map[providers.Backend]string{
		providers.TierHaiku: {providers.BackendAnthropic: "claude-3-5-haiku-20241022"},
		providers.TierOpus:  {providers.BackendGemini: "gemini-2.5-pro"},
	}, nil, 0)
	pricing := providers.NewPricingTable()
	pricing.Set(providers.BackendAnthropic, "claude-3-5-haiku-20241022", providers.Price{InputPerMTok: 0.8, OutputPerMTok: 4})
	require.NoError(t, pricing.SetDefault(providers.BackendAnthropic, "claude-3-5-haiku-20241022"))

	base := providers.NewBase(providers.BackendAnthropic, providers.ProviderConfig{APIKey: "k", Timeout: time.Second},
		providers.Deps{Models: models, Pricing: pricing}, providers.RateLimits{RequestsPerMinute: 10})

	id, err := base.ResolveModel("haiku-tier")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-20241022", id)

	_, err = base.ResolveModel("opus-tier")
	assert.True(t, providers.IsModelNotFound(err))

	id, err = base.ResolveModel("claude-custom")
	require.NoError(t, err)
	assert.Equal(t, "claude-custom", id)

	assert.InDelta(t, 0.8+4.0, base.EstimateCost(1_000_000, 1_000_000, "haiku-tier"), 1e-9)
	assert.Equal(t, 10, base.GetRateLimits().RequestsPerMinute)

	ctx, cancel := base.WithTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
}
