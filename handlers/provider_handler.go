package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/services/factory"
	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/utils"
)

// HealthService is the part of the health monitor exposed over HTTP
type HealthService interface {
	Records() []health.Record
	CheckProviderHealth(ctx context.Context, backend providers.Backend) (health.Record, error)
}

// FailoverService is the part of the failover manager exposed over HTTP
type FailoverService interface {
	Current() providers.Backend
	GetProviderStates() []failover.ProviderState
	GetFailoverEvents() []failover.Event
	ManualFailover(target providers.Backend, reason string) (failover.Event, error)
}

// SlotService is the part of the provider factory exposed over HTTP
type SlotService interface {
	Primary() providers.Provider
	Fallback() providers.Provider
	Settings() factory.Settings
	SwitchProvider(backend providers.Backend, cfg providers.ProviderConfig) error
}

// ConfigLookup returns the configured settings of a backend
type ConfigLookup func(backend providers.Backend) (providers.ProviderConfig, bool)

// StatusResponse describes the slots and backend health
type StatusResponse struct {
	Primary      providers.Backend `json:"primary"`
	Fallback     providers.Backend `json:"fallback,omitempty"`
	AutoFallback bool              `json:"auto_fallback"`
	Active       providers.Backend `json:"active"`
	Backends     []health.Record   `json:"backends"`
}

// StatesResponse describes the circuits
type StatesResponse struct {
	Active providers.Backend        `json:"active"`
	States []failover.ProviderState `json:"states"`
}

// SwitchProviderRequest replaces the primary slot. Empty fields use the configured value.
type SwitchProviderRequest struct {
	Backend string `json:"backend" validate:"required,oneof=anthropic openrouter gemini"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`
	Region  string `json:"region,omitempty"`
}

// ManualFailoverRequest forces the active backend
type ManualFailoverRequest struct {
	Backend string `json:"backend" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"max=256"`
}

// ProviderHandler serves provider status and operator actions
type ProviderHandler struct {
	health   HealthService
	failover FailoverService
	slots    SlotService
	configs  ConfigLookup
	logger   *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(hs HealthService, fs FailoverService, slots SlotService, configs ConfigLookup, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		health:   hs,
		failover: fs,
		slots:    slots,
		configs:  configs,
		logger:   logger,
	}
}

// HandleStatus handles GET /api/v1/providers/status
func (h *ProviderHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Primary:      h.slots.Primary().Backend(),
		AutoFallback: h.slots.Settings().AutoFallback,
		Active:       h.failover.Current(),
		Backends:     h.health.Records(),
	}
	if fb := h.slots.Fallback(); fb != nil {
		resp.Fallback = fb.Backend()
	}
	_ = utils.WriteOK(w, resp)
}

// HandleStates handles GET /api/v1/providers/states
func (h *ProviderHandler) HandleStates(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, StatesResponse{
		Active: h.failover.Current(),
		States: h.failover.GetProviderStates(),
	})
}

// HandleEvents handles GET /api/v1/failover/events
func (h *ProviderHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.failover.GetFailoverEvents())
}

// HandleSwitch handles POST /api/v1/providers/switch
func (h *ProviderHandler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchProviderRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		_ = HandleValidationError(w, err)
		return
	}

	backend := providers.Backend(req.Backend)
	cfg := providers.DefaultProviderConfig()
	if h.configs != nil {
		if configured, ok := h.configs(backend); ok {
			cfg = configured
		}
	}
	if req.APIKey != "" {
		cfg.APIKey = req.APIKey
	}
	if req.BaseURL != "" {
		cfg.BaseURL = req.BaseURL
	}
	if req.Region != "" {
		cfg.Region = req.Region
	}

	if err := h.slots.SwitchProvider(backend, cfg); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("primary switched by operator",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("operator", operator(r)),
		zap.String("backend", req.Backend))

	_ = utils.WriteOK(w, map[string]interface{}{
		"primary": h.slots.Primary().Backend(),
	})
}

// HandleManualFailover handles POST /api/v1/failover/manual
func (h *ProviderHandler) HandleManualFailover(w http.ResponseWriter, r *http.Request) {
	var req ManualFailoverRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		_ = HandleValidationError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual switch by " + operator(r)
	}
	ev, err := h.failover.ManualFailover(providers.Backend(req.Backend), reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manual failover",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("operator", operator(r)),
		zap.String("from", ev.From.String()),
		zap.String("to", ev.To.String()))

	_ = utils.WriteOK(w, ev)
}

// HandleTest handles POST /api/v1/providers/{backend}/test
func (h *ProviderHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	backend := providers.Backend(chi.URLParam(r, "backend"))

	rec, err := h.health.CheckProviderHealth(r.Context(), backend)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, rec)
}

func operator(r *http.Request) string {
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return "unknown"
}
