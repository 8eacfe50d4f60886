package providers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricing(t *testing.T) *PricingTable {
	t.Helper()
	p := NewPricingTable()
	p.Set(BackendAnthropic, "claude-3-5-haiku-20241022", Price{InputPerMTok: 0.8, OutputPerMTok: 4})
	p.Set(BackendAnthropic, "claude-sonnet-4-20250514", Price{InputPerMTok: 3, OutputPerMTok: 15})
	require.NoError(t, p.SetDefault(BackendAnthropic, "claude-sonnet-4-20250514"))
	return p
}

func TestPrice_Cost(t *testing.T) {
	p := Price{InputPerMTok: 3, OutputPerMTok: 15}

	assert.InDelta(t, 0.003+0.0075, p.Cost(1000, 500), 1e-12)
	assert.Zero(t, p.Cost(0, 0))
	assert.Zero(t, p.Cost(-100, -1))
	assert.InDelta(t, 0.0075, p.Cost(-100, 500), 1e-12)
}

func TestPricingTable_PriceFor(t *testing.T) {
	p := testPricing(t)

	price, ok := p.Lookup(BackendAnthropic, "claude-3-5-haiku-20241022")
	assert.True(t, ok)
	assert.Equal(t, 0.8, price.InputPerMTok)

	_, ok = p.Lookup(BackendAnthropic, "claude-2")
	assert.False(t, ok)

	assert.Equal(t, Price{InputPerMTok: 3, OutputPerMTok: 15}, p.PriceFor(BackendAnthropic, "claude-2"))
	assert.Equal(t, Price{}, p.PriceFor(BackendGemini, "anything"))
}

func TestPricingTable_SetDefaultRequiresPrice(t *testing.T) {
	p := testPricing(t)
	assert.Error(t, p.SetDefault(BackendAnthropic, "unpriced"))
	assert.Equal(t, "claude-sonnet-4-20250514", p.DefaultModel(BackendAnthropic))
}

func TestPricingTable_DerivePricing(t *testing.T) {
	p := testPricing(t)

	err := p.DerivePricing(BackendAnthropic, BackendOpenRouter, 1.1, func(id string) string {
		return "anthropic/" + strings.TrimSuffix(id, "-20250514")
	})
	require.NoError(t, err)

	price, ok := p.Lookup(BackendOpenRouter, "anthropic/claude-sonnet-4")
	require.True(t, ok)
	assert.InDelta(t, 3.3, price.InputPerMTok, 1e-9)
	assert.InDelta(t, 16.5, price.OutputPerMTok, 1e-9)
	assert.Equal(t, "anthropic/claude-sonnet-4", p.DefaultModel(BackendOpenRouter))

	assert.Equal(t, []Backend{BackendAnthropic, BackendOpenRouter}, p.Backends())
	assert.Len(t, p.Models(BackendOpenRouter), 2)
}

func TestPricingTable_DerivePricingSkipsAndValidates(t *testing.T) {
	p := testPricing(t)

	require.NoError(t, p.DerivePricing(BackendAnthropic, BackendOpenRouter, 1.0, func(id string) string {
		if strings.Contains(id, "haiku") {
			return ""
		}
		return "x/" + id
	}))
	assert.Equal(t, []string{"x/claude-sonnet-4-20250514"}, p.Models(BackendOpenRouter))

	assert.Error(t, p.DerivePricing(BackendAnthropic, BackendOpenRouter, 0, func(s string) string { return s }))
	assert.Error(t, p.DerivePricing(BackendGemini, BackendOpenRouter, 1.1, func(s string) string { return s }))
}
