package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/factory"
	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/services/providers/providertest"
)

// stack wires real services around fake backends
type stack struct {
	primary  *providertest.Fake
	fallback *providertest.Fake
	factory  *factory.Factory
	monitor  *health.Monitor
	manager  *failover.Manager
	registry *providers.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		primary:  providertest.New(providers.BackendAnthropic),
		fallback: providertest.New(providers.BackendOpenRouter),
		monitor:  health.NewMonitor(health.DefaultConfig(), nil, zap.NewNop()),
		registry: providers.NewRegistry(providers.Deps{}),
	}
	s.monitor.Register(s.primary)
	s.monitor.Register(s.fallback)

	var err error
	s.manager, err = failover.NewManager(failover.Config{
		Priority:     []providers.Backend{providers.BackendAnthropic, providers.BackendOpenRouter},
		AutoFailback: true,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	s.monitor.Subscribe(s.manager)

	require.NoError(t, s.registry.Register(providers.BackendGemini, func(cfg providers.ProviderConfig, _ providers.Deps) (providers.Provider, error) {
		return providertest.New(providers.BackendGemini), nil
	}))

	s.factory, err = factory.New(s.primary, s.fallback, factory.Settings{AutoFallback: true}, s.registry, factory.Options{
		Gate:     s.manager,
		Outcomes: s.monitor,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// decodeData unwraps the {"data": ...} envelope
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func chatRequest() providers.ModelRequest {
	return providers.ModelRequest{
		Model:     string(providers.TierSonnet),
		Messages:  []providers.Message{{Role: "user", Content: "hello"}},
		MaxTokens: 64,
	}
}

func newRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
