package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModelMap(ttl time.Duration) *ModelMap {
	return NewModelMap(map[LogicalModel]map[Backend]string{
		TierHaiku: {
			BackendAnthropic:  "claude-3-5-haiku-20241022",
			BackendOpenRouter: "anthropic/claude-3.5-haiku",
			BackendGemini:     "gemini-2.0-flash-lite",
		},
		TierSonnet: {
			BackendAnthropic:  "claude-sonnet-4-20250514",
			BackendOpenRouter: "anthropic/claude-sonnet-4",
		},
		TierOpus: {
			BackendAnthropic: "claude-opus-4-20250514",
			BackendGemini:    "",
		},
	}, map[LogicalModel][]LogicalModel{
		TierOpus:   {TierSonnet, TierHaiku},
		TierSonnet: {TierHaiku},
	}, ttl)
}

func TestModelMap_Resolve(t *testing.T) {
	m := testModelMap(0)

	id, err := m.Resolve(TierSonnet, BackendAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", id)

	// sonnet is not mapped on gemini: falls back to haiku
	id, err = m.Resolve(TierSonnet, BackendGemini)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash-lite", id)

	// empty ids are treated as unmapped, so opus walks sonnet then haiku
	id, err = m.Resolve(TierOpus, BackendGemini)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash-lite", id)

	id, err = m.Resolve(TierOpus, BackendOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4", id)
}

func TestModelMap_ResolveUnknown(t *testing.T) {
	m := testModelMap(0)

	_, err := m.Resolve("mega-tier", BackendAnthropic)
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))

	_, err = m.Resolve(TierHaiku, Backend("bedrock"))
	assert.True(t, IsModelNotFound(err))
}

func TestModelMap_CachedResolution(t *testing.T) {
	m := testModelMap(time.Minute)

	first, err := m.Resolve(TierHaiku, BackendOpenRouter)
	require.NoError(t, err)
	second, err := m.Resolve(TierHaiku, BackendOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, found := m.cache.Get(cacheKey(TierHaiku, BackendOpenRouter))
	assert.True(t, found)

	m.Flush()
	_, found = m.cache.Get(cacheKey(TierHaiku, BackendOpenRouter))
	assert.False(t, found)
}

func TestModelMap_MapModelID(t *testing.T) {
	m := testModelMap(0)

	assert.Equal(t, "claude-3-5-haiku-20241022", m.MapModelID("haiku-tier", BackendAnthropic))
	assert.Equal(t, "claude-3-opus-20240229", m.MapModelID("claude-3-opus-20240229", BackendAnthropic))
	assert.Equal(t, "haiku-tier", m.MapModelID("haiku-tier", Backend("bedrock")))
}

func TestModelMap_LogicalForAndTiers(t *testing.T) {
	m := testModelMap(0)

	tier, ok := m.LogicalFor(BackendOpenRouter, "anthropic/claude-sonnet-4")
	assert.True(t, ok)
	assert.Equal(t, TierSonnet, tier)

	_, ok = m.LogicalFor(BackendOpenRouter, "meta/llama")
	assert.False(t, ok)

	assert.Equal(t, []LogicalModel{TierHaiku, TierOpus, TierSonnet}, m.Tiers())
	assert.True(t, m.IsLogical("opus-tier"))
	assert.False(t, m.IsLogical("claude-opus-4-20250514"))
}

func TestModelMap_FallbacksReturnsCopy(t *testing.T) {
	m := testModelMap(0)

	chain := m.Fallbacks(TierOpus)
	chain[0] = "mutated"
	assert.Equal(t, []LogicalModel{TierSonnet, TierHaiku}, m.Fallbacks(TierOpus))
}

func TestModelMap_Validate(t *testing.T) {
	m := testModelMap(0)
	require.NoError(t, m.Validate(BackendAnthropic, BackendOpenRouter, BackendGemini))

	err := m.Validate(Backend("bedrock"))
	var availErr *ModelAvailabilityError
	require.ErrorAs(t, err, &availErr)
	assert.Equal(t, Backend("bedrock"), availErr.Backend)
}

func TestModelMap_LookupIgnoresFallbacks(t *testing.T) {
	m := testModelMap(0)

	id, ok := m.Lookup(TierSonnet, BackendOpenRouter)
	assert.True(t, ok)
	assert.Equal(t, "anthropic/claude-sonnet-4", id)

	_, ok = m.Lookup(TierSonnet, BackendGemini)
	assert.False(t, ok)

	assert.Equal(t, []Backend{BackendAnthropic, BackendGemini, BackendOpenRouter}, m.Backends())
}

func TestModelMap_DeclaredTierMissingFromTable(t *testing.T) {
	m := NewModelMap(map[LogicalModel]map[Backend]string{
		TierHaiku: {BackendGemini: "gemini-2.0-flash-lite"},
	}, nil, 0)

	assert.True(t, m.IsLogical(string(TierSonnet)))
	assert.Equal(t, []LogicalModel{TierHaiku}, m.Tiers())

	_, err := m.Resolve(TierSonnet, BackendGemini)
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
	assert.Equal(t, string(TierSonnet), m.MapModelID(string(TierSonnet), BackendGemini))
}
