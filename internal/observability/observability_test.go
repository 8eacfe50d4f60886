package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"text debug", "DEBUG", "text", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()

	m.RecordRequest("anthropic", "sonnet-tier", OutcomeSuccess, 200*time.Millisecond)
	m.RecordRequest("anthropic", "sonnet-tier", OutcomeSuccess, time.Second)
	m.RecordRequest("openrouter", "sonnet-tier", OutcomeCircuitOpen, 0)
	m.RecordTokens("anthropic", "sonnet-tier", 100, 0)
	m.RecordCost("anthropic", "sonnet-tier", 0.25)
	m.RecordFallback("anthropic", "openrouter")
	m.SetCircuitOpen("anthropic", true)
	m.SetHealthy("anthropic", false)
	m.RecordAlert("anthropic", "latency")
	m.RecordFailoverEvent("failover")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("anthropic", "sonnet-tier", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("openrouter", "sonnet-tier", OutcomeCircuitOpen)))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokens.WithLabelValues("anthropic", "sonnet-tier", "input")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.cost.WithLabelValues("anthropic", "sonnet-tier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitOpen.WithLabelValues("anthropic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthy.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks.WithLabelValues("anthropic", "openrouter")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "llm_failover_requests_total"))
	assert.True(t, strings.Contains(body, "llm_failover_alerts_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
