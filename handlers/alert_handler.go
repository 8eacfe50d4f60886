package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/utils"
)

const alertKeepAlive = 15 * time.Second

// AlertHandler streams health alerts to an operator.
// Alerts are consumed from a single channel, so concurrent subscribers split them.
type AlertHandler struct {
	alerts <-chan health.Alert
	logger *zap.Logger
}

// NewAlertHandler creates a new AlertHandler
func NewAlertHandler(alerts <-chan health.Alert, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: logger,
	}
}

// HandleStream handles GET /api/v1/alerts/stream
func (h *AlertHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := utils.PrepareSSE(w)
	if !ok {
		_ = utils.WriteError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	ctx := r.Context()
	h.logger.Info("alert subscriber connected",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)))

	ticker := time.NewTicker(alertKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-h.alerts:
			if err := utils.WriteSSE(w, flusher, "alert", alert); err != nil {
				h.logger.Warn("alert stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
