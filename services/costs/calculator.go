// Package costs prices token usage, compares backends and builds optimization reports.
package costs

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/repositories"
	"github.com/upb/llm-failover/services/providers"
)

// DaysPerMonth is used for monthly extrapolation
const DaysPerMonth = 30

// ProviderCost is the price of one request shape on one backend
type ProviderCost struct {
	Backend         providers.Backend `json:"backend"`
	Model           string            `json:"model"`
	InputCost       float64           `json:"input_cost"`
	OutputCost      float64           `json:"output_cost"`
	TotalCost       float64           `json:"total_cost"`
	EfficiencyScore float64           `json:"efficiency_score"`
	DailyCost       float64           `json:"daily_cost"`
	MonthlyCost     float64           `json:"monthly_cost"`
}

// Comparison ranks backends for a tier, cheapest first
type Comparison struct {
	LogicalModel     providers.LogicalModel `json:"logical_model"`
	InputTokens      int                    `json:"input_tokens"`
	OutputTokens     int                    `json:"output_tokens"`
	DailyRequests    int64                  `json:"daily_requests"`
	Providers        []ProviderCost         `json:"providers"`
	Recommendation   providers.Backend      `json:"recommendation"`
	PotentialSavings float64                `json:"potential_savings"`
}

// Calculator prices usage against the pricing table and usage history
type Calculator struct {
	pricing  *providers.PricingTable
	models   *providers.ModelMap
	usage    repositories.UsageRepository
	backends []providers.Backend
	tuning   Tuning
	logger   *zap.Logger
	now      func() time.Time
}

// NewCalculator creates a calculator over the given backends. usage may be nil.
func NewCalculator(pricing *providers.PricingTable, models *providers.ModelMap, usage repositories.UsageRepository, backends []providers.Backend, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		pricing:  pricing,
		models:   models,
		usage:    usage,
		backends: append([]providers.Backend(nil), backends...),
		tuning:   DefaultTuning(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithTuning overrides report heuristics
func (c *Calculator) WithTuning(t Tuning) *Calculator {
	c.tuning = t
	return c
}

// CalculateCost prices a usage tuple. Negative counts count as zero and
// unknown models use the backend default.
func (c *Calculator) CalculateCost(backend providers.Backend, modelID string, inputTokens, outputTokens int) float64 {
	cost := c.pricing.Cost(backend, modelID, inputTokens, outputTokens)
	if cost < 0 {
		return 0
	}
	return cost
}

// CompareProviderCosts prices a tier on every backend it resolves on
func (c *Calculator) CompareProviderCosts(ctx context.Context, logical providers.LogicalModel, inputTokens, outputTokens int) (*Comparison, error) {
	if !c.models.IsLogical(string(logical)) {
		return nil, &providers.ModelNotFoundError{Model: string(logical)}
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	daily := c.dailyRequests(ctx)
	cmp := &Comparison{
		LogicalModel:  logical,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		DailyRequests: daily,
	}

	for _, b := range c.backends {
		id, err := c.models.Resolve(logical, b)
		if err != nil {
			c.logger.Debug("tier not servable on backend",
				zap.String("backend", b.String()),
				zap.String("model", string(logical)),
			)
			continue
		}
		price := c.pricing.PriceFor(b, id)
		in := price.Cost(inputTokens, 0)
		out := price.Cost(0, outputTokens)
		cmp.Providers = append(cmp.Providers, ProviderCost{
			Backend:     b,
			Model:       id,
			InputCost:   in,
			OutputCost:  out,
			TotalCost:   in + out,
			DailyCost:   (in + out) * float64(daily),
			MonthlyCost: (in + out) * float64(daily) * DaysPerMonth,
		})
	}
	if len(cmp.Providers) == 0 {
		return nil, &providers.ModelNotFoundError{Model: string(logical)}
	}

	sort.SliceStable(cmp.Providers, func(i, j int) bool {
		if cmp.Providers[i].TotalCost == cmp.Providers[j].TotalCost {
			return cmp.Providers[i].Backend < cmp.Providers[j].Backend
		}
		return cmp.Providers[i].TotalCost < cmp.Providers[j].TotalCost
	})

	cheapest := cmp.Providers[0].TotalCost
	for i := range cmp.Providers {
		cmp.Providers[i].EfficiencyScore = efficiency(cheapest, cmp.Providers[i].TotalCost)
	}
	cmp.Recommendation = cmp.Providers[0].Backend
	cmp.PotentialSavings = cmp.Providers[len(cmp.Providers)-1].MonthlyCost - cmp.Providers[0].MonthlyCost
	return cmp, nil
}

// efficiency scales cheapest/cost into 0..100; a free request scores 100
func efficiency(cheapest, cost float64) float64 {
	if cost <= 0 {
		return 100
	}
	return cheapest / cost * 100
}

// dailyRequests is the request count of the last 24h, at least 1
func (c *Calculator) dailyRequests(ctx context.Context) int64 {
	if c.usage == nil {
		return 1
	}
	n, err := c.usage.CountSince(ctx, c.now().Add(-24*time.Hour))
	if err != nil {
		c.logger.Warn("failed to read daily request count", zap.Error(err))
		return 1
	}
	if n < 1 {
		return 1
	}
	return n
}
