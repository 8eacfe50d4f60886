package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/utils"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var (
		translationErr  *providers.ModelTranslationError
		availabilityErr *providers.ModelAvailabilityError
		writeErr        error
	)

	switch {
	case utils.IsValidationError(err):
		writeErr = HandleValidationError(w, err)

	case providers.IsModelNotFound(err):
		writeErr = utils.WriteNotFound(w, err.Error())

	case errors.As(err, &translationErr):
		writeErr = utils.WriteBadRequest(w, err.Error(), map[string]interface{}{
			"backend": translationErr.Backend,
			"model":   translationErr.Logical,
		})

	case errors.As(err, &availabilityErr):
		writeErr = utils.WriteError(w, http.StatusServiceUnavailable, err.Error(), map[string]interface{}{
			"backend": availabilityErr.Backend,
			"model":   availabilityErr.Logical,
		})

	case errors.Is(err, failover.ErrUnknownBackend),
		errors.Is(err, health.ErrBackendNotRegistered),
		errors.Is(err, providers.ErrProviderNotFound):
		writeErr = utils.WriteNotFound(w, err.Error())

	case errors.Is(err, failover.ErrAlreadyActive):
		writeErr = utils.WriteError(w, http.StatusConflict, err.Error(), nil)

	case providers.IsRateLimitError(err):
		writeErr = utils.WriteTooManyRequests(w, err.Error(), providers.RetryAfter(err))

	case providers.IsCircuitOpenError(err):
		writeErr = utils.WriteError(w, http.StatusServiceUnavailable, err.Error(), upstreamDetails(err))

	case providers.IsAuthError(err):
		// the gateway's own credentials were rejected; the caller cannot fix that
		logger.Error("upstream rejected credentials", zap.Error(err))
		writeErr = utils.WriteError(w, http.StatusBadGateway, "Upstream authentication failed", upstreamDetails(err))

	case errors.Is(err, context.DeadlineExceeded):
		writeErr = utils.WriteError(w, http.StatusGatewayTimeout, "Upstream request timed out", upstreamDetails(err))

	default:
		if _, ok := providers.AsProviderError(err); ok {
			writeErr = utils.WriteError(w, http.StatusBadGateway, err.Error(), upstreamDetails(err))
			break
		}
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteError(w, http.StatusInternalServerError, "An internal error occurred", nil)
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError writes a 400 with per-field messages
func HandleValidationError(w http.ResponseWriter, err error) error {
	details := map[string]interface{}{}
	for field, msg := range utils.GetValidationFields(err) {
		details[field] = msg
	}
	return utils.WriteBadRequest(w, err.Error(), details)
}

func upstreamDetails(err error) map[string]interface{} {
	pe, ok := providers.AsProviderError(err)
	if !ok {
		return nil
	}
	details := map[string]interface{}{
		"backend": pe.Provider,
		"code":    pe.Code,
	}
	if pe.StatusCode != 0 {
		details["upstream_status"] = pe.StatusCode
	}
	return details
}
