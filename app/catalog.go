package app

import (
	"fmt"
	"time"

	"github.com/upb/llm-failover/config"
	"github.com/upb/llm-failover/services/costs"
	"github.com/upb/llm-failover/services/providers"
)

// BuildModelMap turns the catalog's tier table and fallback chains into a ModelMap
func BuildModelMap(cat *config.Catalog, cacheTTL time.Duration) *providers.ModelMap {
	table := make(map[providers.LogicalModel]map[providers.Backend]string, len(cat.Models))
	for tier, byBackend := range cat.Models {
		row := make(map[providers.Backend]string, len(byBackend))
		for backend, id := range byBackend {
			row[providers.Backend(backend)] = id
		}
		table[providers.LogicalModel(tier)] = row
	}

	fallbacks := make(map[providers.LogicalModel][]providers.LogicalModel, len(cat.Fallbacks))
	for tier, chain := range cat.Fallbacks {
		for _, next := range chain {
			fallbacks[providers.LogicalModel(tier)] = append(fallbacks[providers.LogicalModel(tier)], providers.LogicalModel(next))
		}
	}

	return providers.NewModelMap(table, fallbacks, cacheTTL)
}

// BuildPricing loads the catalog prices. OpenRouter resells anthropic models, so
// when the catalog has no openrouter section its prices are anthropic's times markup.
func BuildPricing(cat *config.Catalog, models *providers.ModelMap, markup float64) (*providers.PricingTable, error) {
	pt := providers.NewPricingTable()
	for backend, bp := range cat.Pricing {
		b := providers.Backend(backend)
		for id, price := range bp.Models {
			pt.Set(b, id, providers.Price{InputPerMTok: price.InputPerMTok, OutputPerMTok: price.OutputPerMTok})
		}
		if bp.Default != "" {
			if err := pt.SetDefault(b, bp.Default); err != nil {
				return nil, fmt.Errorf("pricing for %s: %w", backend, err)
			}
		}
	}

	if _, explicit := cat.Pricing[config.BackendOpenRouter]; !explicit {
		if _, ok := cat.Pricing[config.BackendAnthropic]; ok {
			err := pt.DerivePricing(providers.BackendAnthropic, providers.BackendOpenRouter, markup, func(id string) string {
				tier, ok := models.LogicalFor(providers.BackendAnthropic, id)
				if !ok {
					return ""
				}
				target, _ := models.Lookup(tier, providers.BackendOpenRouter)
				return target
			})
			if err != nil {
				return nil, fmt.Errorf("derive openrouter pricing: %w", err)
			}
		}
	}
	return pt, nil
}

// ProviderConfig converts a backend's environment settings
func ProviderConfig(bc config.BackendConfig) providers.ProviderConfig {
	cfg := providers.DefaultProviderConfig()
	cfg.APIKey = bc.APIKey
	cfg.BaseURL = bc.BaseURL
	cfg.Region = bc.Region
	if bc.Timeout > 0 {
		cfg.Timeout = bc.Timeout
	}
	cfg.MaxRetries = bc.MaxRetries
	cfg.RetryDelay = bc.RetryDelay
	for k, v := range bc.Headers {
		cfg.Headers[k] = v
	}
	return cfg
}

// ReportTuning overlays the configured report heuristics on the defaults
func ReportTuning(rc config.ReportConfig) costs.Tuning {
	t := costs.DefaultTuning()
	if rc.LowComplexityTokens > 0 {
		t.LowComplexityTokens = rc.LowComplexityTokens
	}
	if rc.BatchMinRequests > 0 {
		t.BatchMinRequests = int64(rc.BatchMinRequests)
	}
	if rc.BatchMaxTokens > 0 {
		t.BatchMaxTokens = rc.BatchMaxTokens
	}
	if rc.BatchingSavingsRate > 0 {
		t.BatchingSavingsRate = rc.BatchingSavingsRate
	}
	if rc.CacheMinRepeatShare > 0 {
		t.CacheMinRepeatShare = rc.CacheMinRepeatShare
	}
	if rc.HighShare > 0 {
		t.HighShare = rc.HighShare
	}
	if rc.MediumShare > 0 {
		t.MediumShare = rc.MediumShare
	}
	return t
}
