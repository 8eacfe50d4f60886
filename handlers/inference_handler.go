package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/utils"
)

// InferenceService executes completions with failover
type InferenceService interface {
	ExecuteRequest(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error)
	ExecuteStream(ctx context.Context, req *providers.ModelRequest, callback providers.StreamCallback) error
}

// InferenceHandler serves chat completions
type InferenceHandler struct {
	service       InferenceService
	streamTimeout time.Duration
	logger        *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service InferenceService, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service: service,
		logger:  logger,
	}
}

// WithStreamTimeout sets the write deadline of SSE responses, replacing the
// server-wide WriteTimeout. Zero removes the deadline.
func (h *InferenceHandler) WithStreamTimeout(d time.Duration) *InferenceHandler {
	h.streamTimeout = d
	return h
}

// HandleChat handles POST /api/v1/inference/chat
func (h *InferenceHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	req.Stream = false

	resp, err := h.service.ExecuteRequest(r.Context(), req)
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("model", req.Model),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// HandleStream handles POST /api/v1/inference/stream as Server-Sent Events.
// Errors before the first chunk are plain JSON responses; later errors are sent
// as an "error" event since the status line is already written.
func (h *InferenceHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		_ = utils.WriteError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	req.Stream = true
	h.extendWriteDeadline(w)

	var flusher http.Flusher
	err := h.service.ExecuteStream(r.Context(), req, func(chunk *providers.StreamChunk) error {
		if flusher == nil {
			flusher, _ = utils.PrepareSSE(w)
		}
		event := "chunk"
		if chunk.Done {
			event = "done"
		}
		return utils.WriteSSE(w, flusher, event, chunk)
	})
	if err == nil {
		return
	}

	h.logger.Warn("stream failed",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("model", req.Model),
		zap.Bool("started", flusher != nil),
		zap.Error(err))

	if flusher == nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteSSE(w, flusher, "error", utils.ErrorResponse{
		Error:   "stream_error",
		Message: err.Error(),
	})
}

func (h *InferenceHandler) extendWriteDeadline(w http.ResponseWriter) {
	var deadline time.Time
	if h.streamTimeout > 0 {
		deadline = time.Now().Add(h.streamTimeout)
	}
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil {
		h.logger.Debug("cannot extend stream write deadline", zap.Error(err))
	}
}

func (h *InferenceHandler) decode(w http.ResponseWriter, r *http.Request) (*providers.ModelRequest, bool) {
	var req providers.ModelRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return nil, false
	}
	if err := req.Validate(); err != nil {
		_ = HandleValidationError(w, err)
		return nil, false
	}
	return &req, true
}
