package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-failover/config"
	"github.com/upb/llm-failover/services/costs"
	"github.com/upb/llm-failover/services/providers"
)

func loadDefault(t *testing.T) (*config.Catalog, *providers.ModelMap) {
	t.Helper()
	cat, err := config.LoadCatalog("")
	require.NoError(t, err)
	return cat, BuildModelMap(cat, 0)
}

func TestBuildModelMap(t *testing.T) {
	_, mm := loadDefault(t)

	id, err := mm.Resolve(providers.TierSonnet, providers.BackendAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", id)

	id, err = mm.Resolve(providers.TierHaiku, providers.BackendOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3.5-haiku", id)

	assert.Equal(t, []providers.LogicalModel{providers.TierHaiku}, mm.Fallbacks(providers.TierSonnet))
	assert.NoError(t, mm.Validate(providers.BackendAnthropic, providers.BackendOpenRouter, providers.BackendGemini))
}

func TestBuildPricing_DerivesOpenRouter(t *testing.T) {
	cat, mm := loadDefault(t)

	pt, err := BuildPricing(cat, mm, 1.1)
	require.NoError(t, err)

	a := pt.Cost(providers.BackendAnthropic, "claude-sonnet-4-20250514", 1000, 500)
	b := pt.Cost(providers.BackendOpenRouter, "anthropic/claude-sonnet-4", 1000, 500)
	assert.InDelta(t, 0.0105, a, 1e-12)
	assert.InDelta(t, 1.1*a, b, 1e-12)
	assert.Equal(t, "anthropic/claude-sonnet-4", pt.DefaultModel(providers.BackendOpenRouter))

	g := pt.Cost(providers.BackendGemini, "gemini-2.5-flash", 1_000_000, 0)
	assert.InDelta(t, 0.3, g, 1e-12)
}

func TestBuildPricing_ExplicitOpenRouterWins(t *testing.T) {
	cat, err := config.ParseCatalog([]byte(`
models:
  sonnet-tier:
    anthropic: claude-sonnet-4-20250514
    openrouter: anthropic/claude-sonnet-4
pricing:
  anthropic:
    models:
      claude-sonnet-4-20250514: {input_per_mtok: 3, output_per_mtok: 15}
  openrouter:
    models:
      anthropic/claude-sonnet-4: {input_per_mtok: 2, output_per_mtok: 10}
`))
	require.NoError(t, err)

	pt, err := BuildPricing(cat, BuildModelMap(cat, 0), 1.1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pt.Cost(providers.BackendOpenRouter, "anthropic/claude-sonnet-4", 1_000_000, 0), 1e-12)
}

func TestProviderConfig(t *testing.T) {
	cfg := ProviderConfig(config.BackendConfig{
		APIKey:     "key",
		BaseURL:    "https://example.com",
		MaxRetries: 2,
		Headers:    map[string]string{"X-Title": "llm-failover"},
	})

	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, providers.DefaultProviderConfig().Timeout, cfg.Timeout)
	assert.Equal(t, "llm-failover", cfg.Headers["X-Title"])
	assert.NoError(t, cfg.Validate())
}

func TestReportTuning(t *testing.T) {
	assert.Equal(t, costs.DefaultTuning(), ReportTuning(config.ReportConfig{}))

	tuning := ReportTuning(config.ReportConfig{BatchMinRequests: 500, HighShare: 0.5})
	assert.Equal(t, int64(500), tuning.BatchMinRequests)
	assert.Equal(t, 0.5, tuning.HighShare)
	assert.Equal(t, costs.DefaultTuning().MediumShare, tuning.MediumShare)
}
