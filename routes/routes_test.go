package routes

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/app"
	"github.com/upb/llm-failover/config"
	"github.com/upb/llm-failover/internal/observability"
	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/repositories/memory"
	"github.com/upb/llm-failover/services/costs"
	"github.com/upb/llm-failover/services/factory"
	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/services/providers/providertest"
)

const testSecret = "route-secret"

func newTestDeps(t *testing.T) *app.Dependencies {
	t.Helper()
	logger := zap.NewNop()
	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}},
		Auth:   config.AuthConfig{JWTSecret: testSecret, OperatorRole: "operator"},
	}

	cat, err := config.LoadCatalog("")
	require.NoError(t, err)
	models := app.BuildModelMap(cat, 0)
	pricing, err := app.BuildPricing(cat, models, 1.1)
	require.NoError(t, err)

	prom := observability.NewPrometheusMetrics()
	primary := providertest.New(providers.BackendAnthropic)
	fallback := providertest.New(providers.BackendOpenRouter)

	monitor := health.NewMonitor(health.DefaultConfig(), prom, logger)
	monitor.Register(primary)
	monitor.Register(fallback)
	alerts := health.NewChannelSink(4)
	monitor.AddSink(alerts)

	manager, err := failover.NewManager(failover.Config{
		Priority: []providers.Backend{providers.BackendAnthropic, providers.BackendOpenRouter},
	}, prom, logger)
	require.NoError(t, err)
	monitor.Subscribe(manager)

	usage := memory.NewUsageRepository(0, 0)
	f, err := factory.New(primary, fallback, factory.Settings{AutoFallback: true}, nil, factory.Options{
		Gate:     manager,
		Outcomes: monitor,
		Usage:    usage,
		Models:   models,
		Metrics:  prom,
		Logger:   logger,
	})
	require.NoError(t, err)

	backends := []providers.Backend{providers.BackendAnthropic, providers.BackendOpenRouter}
	return &app.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        prom,
		Prometheus:     prom,
		Models:         models,
		Pricing:        pricing,
		Usage:          usage,
		Monitor:        monitor,
		Alerts:         alerts,
		Failover:       manager,
		Factory:        f,
		Costs:          costs.NewCalculator(pricing, models, usage, backends, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(middleware.NewJWTValidator(testSecret, ""), logger),
	}
}

func serve(t *testing.T, h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, "", "ops-1", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestSetupRoutes_Public(t *testing.T) {
	h := SetupRoutes(newTestDeps(t))

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/providers/status", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/providers/states", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/failover/events", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/costs/report", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		serve(t, h, http.MethodGet, "/api/v1/costs/compare?model=sonnet-tier&input_tokens=1000&output_tokens=500", "", nil).Code)

	w := serve(t, h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestSetupRoutes_ChatRecordsMetricsAndUsage(t *testing.T) {
	deps := newTestDeps(t)
	h := SetupRoutes(deps)

	body := []byte(`{"model":"sonnet-tier","messages":[{"role":"user","content":"hello"}]}`)
	w := serve(t, h, http.MethodPost, "/api/v1/inference/chat", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok from anthropic")

	w = serve(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "anthropic")

	recent, err := deps.Usage.ListRecent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "sonnet-tier", recent[0].LogicalModel)
}

func TestSetupRoutes_OperatorRoutesRequireRole(t *testing.T) {
	h := SetupRoutes(newTestDeps(t))
	body := []byte(`{"backend":"openrouter","reason":"drill"}`)

	assert.Equal(t, http.StatusUnauthorized, serve(t, h, http.MethodPost, "/api/v1/failover/manual", "", body).Code)
	assert.Equal(t, http.StatusForbidden, serve(t, h, http.MethodPost, "/api/v1/failover/manual", token(t, "viewer"), body).Code)

	w := serve(t, h, http.MethodPost, "/api/v1/failover/manual", token(t, "operator"), body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"to":"openrouter"`)

	w = serve(t, h, http.MethodPost, "/api/v1/providers/anthropic/test", token(t, "operator"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_ManualFailoverSteersTraffic(t *testing.T) {
	h := SetupRoutes(newTestDeps(t))
	op := token(t, "operator")

	w := serve(t, h, http.MethodPost, "/api/v1/failover/manual", op, []byte(`{"backend":"openrouter"}`))
	require.Equal(t, http.StatusOK, w.Code)

	body := []byte(`{"model":"sonnet-tier","messages":[{"role":"user","content":"hello"}]}`)
	w = serve(t, h, http.MethodPost, "/api/v1/inference/chat", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok from openrouter")

	assert.Equal(t, http.StatusUnauthorized, serve(t, h, http.MethodGet, "/api/v1/usage/recent", "", nil).Code)
	w = serve(t, h, http.MethodGet, "/api/v1/usage/recent?limit=5", op, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backend":"openrouter"`)
}
