package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes used as the "outcome" label
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
)

// Metrics collects application metrics.
type Metrics interface {
	RecordRequest(backend, model, outcome string, latency time.Duration)
	RecordTokens(backend, model string, input, output int)
	RecordCost(backend, model string, cost float64)
	RecordFallback(from, to string)
	RecordFailoverEvent(eventType string)
	SetCircuitOpen(backend string, open bool)
	SetHealthy(backend string, healthy bool)
	RecordAlert(backend, condition string)
}

// PrometheusMetrics implements Metrics on a prometheus registry
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	cost           *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	failoverEvents *prometheus.CounterVec
	circuitOpen    *prometheus.GaugeVec
	healthy        *prometheus.GaugeVec
	alerts         *prometheus.CounterVec
}

// NewPrometheusMetrics registers all collectors on a fresh registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_requests_total",
			Help: "Inference requests by backend, model and outcome",
		}, []string{"backend", "model", "outcome"}),

		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_failover_request_duration_seconds",
			Help:    "Inference request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"backend"}),

		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_tokens_total",
			Help: "Tokens consumed by backend, model and direction",
		}, []string{"backend", "model", "direction"}),

		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_cost_usd_total",
			Help: "Estimated spend in USD",
		}, []string{"backend", "model"}),

		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_fallbacks_total",
			Help: "Requests retried on the fallback backend",
		}, []string{"from", "to"}),

		failoverEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_events_total",
			Help: "Failover log events by type",
		}, []string{"type"}),

		circuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_failover_circuit_open",
			Help: "1 when the backend circuit is open",
		}, []string{"backend"}),

		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_failover_backend_healthy",
			Help: "1 when the backend's last health record is healthy",
		}, []string{"backend"}),

		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_failover_alerts_total",
			Help: "Health alerts raised by backend and condition",
		}, []string{"backend", "condition"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordRequest(backend, model, outcome string, latency time.Duration) {
	m.requests.WithLabelValues(backend, model, outcome).Inc()
	if outcome != OutcomeCircuitOpen {
		m.requestLatency.WithLabelValues(backend).Observe(latency.Seconds())
	}
}

func (m *PrometheusMetrics) RecordTokens(backend, model string, input, output int) {
	if input > 0 {
		m.tokens.WithLabelValues(backend, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokens.WithLabelValues(backend, model, "output").Add(float64(output))
	}
}

func (m *PrometheusMetrics) RecordCost(backend, model string, cost float64) {
	if cost > 0 {
		m.cost.WithLabelValues(backend, model).Add(cost)
	}
}

func (m *PrometheusMetrics) RecordFallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *PrometheusMetrics) RecordFailoverEvent(eventType string) {
	m.failoverEvents.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) SetCircuitOpen(backend string, open bool) {
	m.circuitOpen.WithLabelValues(backend).Set(boolToFloat(open))
}

func (m *PrometheusMetrics) SetHealthy(backend string, healthy bool) {
	m.healthy.WithLabelValues(backend).Set(boolToFloat(healthy))
}

func (m *PrometheusMetrics) RecordAlert(backend, condition string) {
	m.alerts.WithLabelValues(backend, condition).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordRequest(string, string, string, time.Duration) {}
func (NopMetrics) RecordTokens(string, string, int, int)               {}
func (NopMetrics) RecordCost(string, string, float64)                  {}
func (NopMetrics) RecordFallback(string, string)                       {}
func (NopMetrics) RecordFailoverEvent(string)                          {}
func (NopMetrics) SetCircuitOpen(string, bool)                         {}
func (NopMetrics) SetHealthy(string, bool)                             {}
func (NopMetrics) RecordAlert(string, string)                          {}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NopMetrics{}
)
