package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/providers"
)

func newProviderHandler(s *stack) *ProviderHandler {
	configs := func(b providers.Backend) (providers.ProviderConfig, bool) {
		if b != providers.BackendGemini {
			return providers.ProviderConfig{}, false
		}
		cfg := providers.DefaultProviderConfig()
		cfg.APIKey = "gemini-key"
		return cfg, true
	}
	return NewProviderHandler(s.monitor, s.manager, s.factory, configs, zap.NewNop())
}

func asOperator(req *http.Request) *http.Request {
	claims := &middleware.Claims{Subject: "ops-1", Roles: []string{"operator"}}
	return req.WithContext(middleware.WithClaims(req.Context(), claims))
}

func TestHandleStatus(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	w := httptest.NewRecorder()
	handler.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	decodeData(t, w, &resp)
	assert.Equal(t, providers.BackendAnthropic, resp.Primary)
	assert.Equal(t, providers.BackendOpenRouter, resp.Fallback)
	assert.True(t, resp.AutoFallback)
	assert.Equal(t, providers.BackendAnthropic, resp.Active)
	require.Len(t, resp.Backends, 2)
	for _, rec := range resp.Backends {
		assert.True(t, rec.IsHealthy)
	}
}

func TestHandleStates(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	w := httptest.NewRecorder()
	handler.HandleStates(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/states", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatesResponse
	decodeData(t, w, &resp)
	assert.Equal(t, providers.BackendAnthropic, resp.Active)
	require.Len(t, resp.States, 2)
	assert.Equal(t, providers.BackendAnthropic, resp.States[0].Backend)
	assert.Equal(t, failover.StateClosed, resp.States[0].State)
	assert.True(t, resp.States[0].Active)
}

func TestHandleManualFailover(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	post := func(body interface{}) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := asOperator(newRequest(http.MethodPost, "/api/v1/failover/manual", jsonBody(t, body)))
		handler.HandleManualFailover(w, req)
		return w
	}

	w := post(ManualFailoverRequest{Backend: "openrouter", Reason: "maintenance"})
	require.Equal(t, http.StatusOK, w.Code)
	var ev failover.Event
	decodeData(t, w, &ev)
	assert.Equal(t, failover.EventManualSwitch, ev.Type)
	assert.Equal(t, providers.BackendAnthropic, ev.From)
	assert.Equal(t, providers.BackendOpenRouter, ev.To)
	assert.Equal(t, "maintenance", ev.Reason)
	assert.Equal(t, providers.BackendOpenRouter, s.manager.Current())

	assert.Equal(t, http.StatusConflict, post(ManualFailoverRequest{Backend: "openrouter"}).Code)
	assert.Equal(t, http.StatusNotFound, post(ManualFailoverRequest{Backend: "bedrock"}).Code)
	assert.Equal(t, http.StatusBadRequest, post(ManualFailoverRequest{}).Code)

	w = post(ManualFailoverRequest{Backend: "anthropic"})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &ev)
	assert.Equal(t, "manual switch by ops-1", ev.Reason)

	w = httptest.NewRecorder()
	handler.HandleEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/failover/events", nil))
	var events []failover.Event
	decodeData(t, w, &events)
	assert.Len(t, events, 2)
}

func TestHandleManualFailover_RoutesTraffic(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	w := httptest.NewRecorder()
	handler.HandleManualFailover(w, asOperator(newRequest(http.MethodPost, "/api/v1/failover/manual",
		jsonBody(t, ManualFailoverRequest{Backend: "openrouter"}))))
	require.Equal(t, http.StatusOK, w.Code)

	req := chatRequest()
	resp, err := s.factory.ExecuteRequest(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, providers.BackendOpenRouter, resp.Backend)
	assert.Zero(t, s.primary.SendCalls())
}

func TestHandleSwitch(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	post := func(body interface{}) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.HandleSwitch(w, asOperator(newRequest(http.MethodPost, "/api/v1/providers/switch", jsonBody(t, body))))
		return w
	}

	t.Run("invalid backend", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(SwitchProviderRequest{Backend: "bedrock"}).Code)
	})

	t.Run("unregistered builder", func(t *testing.T) {
		w := post(SwitchProviderRequest{Backend: "openrouter", APIKey: "k"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, providers.BackendAnthropic, s.factory.Primary().Backend())
	})

	t.Run("configured backend", func(t *testing.T) {
		w := post(SwitchProviderRequest{Backend: "gemini"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, providers.BackendGemini, s.factory.Primary().Backend())
		assert.Equal(t, providers.BackendOpenRouter, s.factory.Fallback().Backend())
	})
}

func TestHandleTest(t *testing.T) {
	s := newStack(t)
	handler := newProviderHandler(s)

	r := chi.NewRouter()
	r.Post("/providers/{backend}/test", handler.HandleTest)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/providers/anthropic/test", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.primary.HealthCalls())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/providers/bedrock/test", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
