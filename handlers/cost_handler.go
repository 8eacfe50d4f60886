package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/costs"
	"github.com/upb/llm-failover/services/factory"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/utils"
)

// CostService is the cost calculator as seen by HTTP
type CostService interface {
	CompareProviderCosts(ctx context.Context, logical providers.LogicalModel, inputTokens, outputTokens int) (*costs.Comparison, error)
	GenerateOptimizationReport(ctx context.Context) *costs.Report
}

// SlotQuoter prices a request shape on the factory's slots
type SlotQuoter interface {
	CompareCosts(inputTokens, outputTokens int, model string) factory.CostComparison
}

// CostQuery is the query string of the comparison endpoints
type CostQuery struct {
	Model        string `validate:"required"`
	InputTokens  int    `validate:"gte=0"`
	OutputTokens int    `validate:"gte=0"`
}

// CostHandler serves cost comparisons and reports
type CostHandler struct {
	costs  CostService
	slots  SlotQuoter
	logger *zap.Logger
}

// NewCostHandler creates a new CostHandler
func NewCostHandler(cs CostService, slots SlotQuoter, logger *zap.Logger) *CostHandler {
	return &CostHandler{
		costs:  cs,
		slots:  slots,
		logger: logger,
	}
}

// HandleCompare handles GET /api/v1/costs/compare?model=&input_tokens=&output_tokens=
func (h *CostHandler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	q, ok := parseCostQuery(w, r)
	if !ok {
		return
	}

	cmp, err := h.costs.CompareProviderCosts(r.Context(), providers.LogicalModel(q.Model), q.InputTokens, q.OutputTokens)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, cmp)
}

// HandleSlots handles GET /api/v1/costs/slots, pricing the primary against the fallback
func (h *CostHandler) HandleSlots(w http.ResponseWriter, r *http.Request) {
	q, ok := parseCostQuery(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, h.slots.CompareCosts(q.InputTokens, q.OutputTokens, q.Model))
}

// HandleReport handles GET /api/v1/costs/report
func (h *CostHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.costs.GenerateOptimizationReport(r.Context()))
}

func parseCostQuery(w http.ResponseWriter, r *http.Request) (CostQuery, bool) {
	values := r.URL.Query()
	q := CostQuery{Model: values.Get("model")}

	for name, dst := range map[string]*int{
		"input_tokens":  &q.InputTokens,
		"output_tokens": &q.OutputTokens,
	} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid "+name, map[string]interface{}{name: raw})
			return q, false
		}
		*dst = n
	}

	if err := utils.ValidateStruct(&q); err != nil {
		_ = HandleValidationError(w, err)
		return q, false
	}
	return q, true
}
