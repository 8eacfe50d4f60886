package costs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/services/providers"
)

// Category groups recommendations
type Category string

const (
	CategoryCheaperModel  Category = "cheaper_model"
	CategoryBackendSwitch Category = "backend_switch"
	CategoryBatching      Category = "batching"
	CategoryCaching       Category = "caching"
)

// Priority ranks recommendations
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Effort is the qualitative implementation cost of a recommendation
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Tuning holds the report heuristics
type Tuning struct {
	// LowComplexityTokens is the mean tokens per request under which a call
	// is considered simple enough for a cheaper tier
	LowComplexityTokens float64

	// BatchMinRequests and BatchMaxTokens select many small requests
	BatchMinRequests int64
	BatchMaxTokens   float64

	// BatchingSavingsRate is the share of cost batching is expected to save
	BatchingSavingsRate float64

	// CacheMinRepeatShare is the share of repeated prompts that justifies caching
	CacheMinRepeatShare float64

	// HighShare and MediumShare are the shares of total monthly cost a saving
	// must reach for high and medium priority
	HighShare   float64
	MediumShare float64
}

// DefaultTuning returns the default heuristics
func DefaultTuning() Tuning {
	return Tuning{
		LowComplexityTokens: 1000,
		BatchMinRequests:    100,
		BatchMaxTokens:      300,
		BatchingSavingsRate: 0.15,
		CacheMinRepeatShare: 0.1,
		HighShare:           0.2,
		MediumShare:         0.05,
	}
}

// PeriodTotals is the aggregate usage of one window
type PeriodTotals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// BackendTotals is the 30 day usage of one backend
type BackendTotals struct {
	Backend string `json:"backend"`
	PeriodTotals
}

// ModelTotals is the 30 day usage of one backend model
type ModelTotals struct {
	Backend       string  `json:"backend"`
	Model         string  `json:"model"`
	LogicalModel  string  `json:"logical_model,omitempty"`
	AverageTokens float64 `json:"average_tokens"`
	PeriodTotals
}

// Recommendation is one advisory optimization
type Recommendation struct {
	Category                Category `json:"category"`
	Priority                Priority `json:"priority"`
	Effort                  Effort   `json:"effort"`
	Title                   string   `json:"title"`
	Description             string   `json:"description"`
	Backend                 string   `json:"backend"`
	Model                   string   `json:"model"`
	EstimatedMonthlySavings float64  `json:"estimated_monthly_savings"`
}

// Report summarizes historical spend and suggests optimizations
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Daily           PeriodTotals     `json:"daily"`
	Weekly          PeriodTotals     `json:"weekly"`
	Monthly         PeriodTotals     `json:"monthly"`
	ByBackend       []BackendTotals  `json:"by_backend"`
	ByModel         []ModelTotals    `json:"by_model"`
	Recommendations []Recommendation `json:"recommendations"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// GenerateOptimizationReport aggregates the usage history. Store failures are
// reported as warnings on an otherwise empty report.
func (c *Calculator) GenerateOptimizationReport(ctx context.Context) *Report {
	now := c.now()
	r := &Report{
		GeneratedAt:     now,
		ByBackend:       []BackendTotals{},
		ByModel:         []ModelTotals{},
		Recommendations: []Recommendation{},
	}
	if c.usage == nil {
		r.Warnings = append(r.Warnings, "usage history store not configured")
		return r
	}

	windows := []struct {
		name   string
		since  time.Duration
		totals *PeriodTotals
	}{
		{"daily", 24 * time.Hour, &r.Daily},
		{"weekly", 7 * 24 * time.Hour, &r.Weekly},
		{"monthly", DaysPerMonth * 24 * time.Hour, &r.Monthly},
	}

	var monthly []models.UsageSummary
	for _, w := range windows {
		summaries, err := c.usage.SummarizeSince(ctx, now.Add(-w.since))
		if err != nil {
			c.logger.Warn("failed to read usage history",
				zap.String("window", w.name),
				zap.Error(err),
			)
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s usage unavailable: %v", w.name, err))
			continue
		}
		*w.totals = totalsOf(summaries)
		if w.totals == &r.Monthly {
			monthly = summaries
		}
	}

	r.ByBackend = byBackend(monthly)
	r.ByModel = byModel(monthly)
	r.Recommendations = c.recommend(monthly, r.Monthly.Cost)
	return r
}

func totalsOf(summaries []models.UsageSummary) PeriodTotals {
	var t PeriodTotals
	for _, s := range summaries {
		t.Requests += s.Requests
		t.InputTokens += s.InputTokens
		t.OutputTokens += s.OutputTokens
		t.Cost += s.Cost
	}
	return t
}

func byBackend(summaries []models.UsageSummary) []BackendTotals {
	idx := make(map[string]int)
	out := []BackendTotals{}
	for _, s := range summaries {
		i, ok := idx[s.Backend]
		if !ok {
			i = len(out)
			idx[s.Backend] = i
			out = append(out, BackendTotals{Backend: s.Backend})
		}
		out[i].Requests += s.Requests
		out[i].InputTokens += s.InputTokens
		out[i].OutputTokens += s.OutputTokens
		out[i].Cost += s.Cost
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out
}

func byModel(summaries []models.UsageSummary) []ModelTotals {
	type key struct{ backend, model string }
	idx := make(map[key]int)
	out := []ModelTotals{}
	for _, s := range summaries {
		k := key{s.Backend, s.Model}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, ModelTotals{Backend: s.Backend, Model: s.Model, LogicalModel: s.LogicalModel})
		}
		out[i].Requests += s.Requests
		out[i].InputTokens += s.InputTokens
		out[i].OutputTokens += s.OutputTokens
		out[i].Cost += s.Cost
	}
	for i := range out {
		if out[i].Requests > 0 {
			out[i].AverageTokens = float64(out[i].InputTokens+out[i].OutputTokens) / float64(out[i].Requests)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out
}

func (c *Calculator) recommend(summaries []models.UsageSummary, total float64) []Recommendation {
	recs := []Recommendation{}
	add := func(rec Recommendation) {
		if rec.EstimatedMonthlySavings <= 0 {
			return
		}
		rec.Priority = c.priorityFor(rec.EstimatedMonthlySavings, total)
		recs = append(recs, rec)
	}

	for _, s := range summaries {
		if s.Requests == 0 {
			continue
		}
		tier := c.tierOf(s)

		if rec, ok := c.cheaperModel(s, tier); ok {
			add(rec)
		}
		if rec, ok := c.backendSwitch(s, tier); ok {
			add(rec)
		}
		if rec, ok := c.batching(s); ok {
			add(rec)
		}
		if rec, ok := c.caching(s); ok {
			add(rec)
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := recs[i].Priority.rank(), recs[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return recs[i].EstimatedMonthlySavings > recs[j].EstimatedMonthlySavings
	})
	return recs
}

func (c *Calculator) priorityFor(savings, total float64) Priority {
	if total <= 0 {
		return PriorityLow
	}
	share := savings / total
	switch {
	case share >= c.tuning.HighShare:
		return PriorityHigh
	case share >= c.tuning.MediumShare:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// tierOf returns the summary's tier, falling back to a reverse lookup of the model id
func (c *Calculator) tierOf(s models.UsageSummary) providers.LogicalModel {
	if s.LogicalModel != "" && c.models.IsLogical(s.LogicalModel) {
		return providers.LogicalModel(s.LogicalModel)
	}
	if tier, ok := c.models.LogicalFor(providers.Backend(s.Backend), s.Model); ok {
		return tier
	}
	return ""
}

func (c *Calculator) reprice(backend providers.Backend, modelID string, s models.UsageSummary) float64 {
	return c.CalculateCost(backend, modelID, int(s.InputTokens), int(s.OutputTokens))
}

// cheaperModel suggests the next tier of the fallback chain for simple calls
func (c *Calculator) cheaperModel(s models.UsageSummary, tier providers.LogicalModel) (Recommendation, bool) {
	if tier == "" || s.AverageTokens() >= c.tuning.LowComplexityTokens {
		return Recommendation{}, false
	}
	backend := providers.Backend(s.Backend)
	for _, lower := range c.models.Fallbacks(tier) {
		id, ok := c.models.Lookup(lower, backend)
		if !ok {
			continue
		}
		savings := s.Cost - c.reprice(backend, id, s)
		if savings <= 0 {
			continue
		}
		return Recommendation{
			Category: CategoryCheaperModel,
			Effort:   EffortLow,
			Title:    fmt.Sprintf("Use %s for simple %s calls", lower, tier),
			Description: fmt.Sprintf("%d requests averaged %.0f tokens on %s; %s would serve them for less",
				s.Requests, s.AverageTokens(), s.Model, id),
			Backend:                 s.Backend,
			Model:                   s.Model,
			EstimatedMonthlySavings: savings,
		}, true
	}
	return Recommendation{}, false
}

// backendSwitch suggests the cheapest other backend serving the same tier
func (c *Calculator) backendSwitch(s models.UsageSummary, tier providers.LogicalModel) (Recommendation, bool) {
	if tier == "" {
		return Recommendation{}, false
	}
	best := providers.Backend("")
	bestCost := s.Cost
	bestModel := ""
	for _, b := range c.backends {
		if string(b) == s.Backend {
			continue
		}
		id, err := c.models.Resolve(tier, b)
		if err != nil {
			continue
		}
		if cost := c.reprice(b, id, s); cost < bestCost {
			best, bestCost, bestModel = b, cost, id
		}
	}
	if best == "" {
		return Recommendation{}, false
	}
	return Recommendation{
		Category:                CategoryBackendSwitch,
		Effort:                  EffortLow,
		Title:                   fmt.Sprintf("Serve %s from %s", tier, best),
		Description:             fmt.Sprintf("the same traffic on %s (%s) would cost %.4f instead of %.4f", best, bestModel, bestCost, s.Cost),
		Backend:                 s.Backend,
		Model:                   s.Model,
		EstimatedMonthlySavings: s.Cost - bestCost,
	}, true
}

// batching flags high volumes of small requests
func (c *Calculator) batching(s models.UsageSummary) (Recommendation, bool) {
	if s.Requests < c.tuning.BatchMinRequests || s.AverageTokens() >= c.tuning.BatchMaxTokens {
		return Recommendation{}, false
	}
	return Recommendation{
		Category:                CategoryBatching,
		Effort:                  EffortHigh,
		Title:                   fmt.Sprintf("Batch small requests to %s", s.Model),
		Description:             fmt.Sprintf("%d requests averaged %.0f tokens; combining them cuts repeated prompt overhead", s.Requests, s.AverageTokens()),
		Backend:                 s.Backend,
		Model:                   s.Model,
		EstimatedMonthlySavings: s.Cost * c.tuning.BatchingSavingsRate,
	}, true
}

// caching flags repeated prompts
func (c *Calculator) caching(s models.UsageSummary) (Recommendation, bool) {
	repeated := s.RepeatedRequests()
	if repeated == 0 {
		return Recommendation{}, false
	}
	share := float64(repeated) / float64(s.Requests)
	if share < c.tuning.CacheMinRepeatShare {
		return Recommendation{}, false
	}
	return Recommendation{
		Category:                CategoryCaching,
		Effort:                  EffortMedium,
		Title:                   fmt.Sprintf("Cache responses from %s", s.Model),
		Description:             fmt.Sprintf("%d of %d requests repeated an earlier prompt", repeated, s.Requests),
		Backend:                 s.Backend,
		Model:                   s.Model,
		EstimatedMonthlySavings: s.Cost * share,
	}, true
}
