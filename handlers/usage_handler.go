package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/models"
	"github.com/upb/llm-failover/utils"
)

const defaultUsageLimit = 50

// UsageLister reads recent usage history
type UsageLister interface {
	ListRecent(ctx context.Context, limit int) ([]*models.UsageRecord, error)
}

// UsageQuery is the query string of the usage endpoint
type UsageQuery struct {
	Limit int `validate:"gte=1,lte=500"`
}

// UsageHandler exposes persisted usage records to operators
type UsageHandler struct {
	usage  UsageLister
	logger *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(usage UsageLister, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		usage:  usage,
		logger: logger,
	}
}

// HandleRecent handles GET /api/v1/usage/recent?limit=
func (h *UsageHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	q := UsageQuery{Limit: defaultUsageLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid limit", map[string]interface{}{"limit": raw})
			return
		}
		q.Limit = n
	}
	if err := utils.ValidateStruct(&q); err != nil {
		_ = HandleValidationError(w, err)
		return
	}

	records, err := h.usage.ListRecent(r.Context(), q.Limit)
	if err != nil {
		h.logger.Error("failed to list usage", zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, records)
}
