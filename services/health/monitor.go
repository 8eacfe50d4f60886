// Package health keeps rolling health records for every registered backend
// and raises alerts when thresholds are crossed.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/llm-failover/internal/observability"
	"github.com/upb/llm-failover/services/providers"
)

// ErrBackendNotRegistered is returned for operations on an unknown backend
var ErrBackendNotRegistered = errors.New("backend not registered")

// Config controls probing, windows and alert thresholds
type Config struct {
	Interval           time.Duration
	ProbeTimeout       time.Duration
	Concurrency        int
	WindowSize         int
	LatencyWindow      int
	FailureThreshold   int
	ErrorRateThreshold float64 // percent
	LatencyThreshold   time.Duration
	AlertCooldown      time.Duration
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		ProbeTimeout:       10 * time.Second,
		Concurrency:        4,
		WindowSize:         20,
		LatencyWindow:      20,
		FailureThreshold:   3,
		ErrorRateThreshold: 50,
		LatencyThreshold:   10 * time.Second,
		AlertCooldown:      5 * time.Minute,
	}
}

// Observer is notified after every record change
type Observer interface {
	OnHealthUpdate(rec Record)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(rec Record)

func (f ObserverFunc) OnHealthUpdate(rec Record) { f(rec) }

type observation struct {
	source  Source
	ok      bool
	latency time.Duration
	err     string
	at      time.Time
}

// entry holds the mutable state of one backend. mu serializes writers;
// snapshot is read without locking.
type entry struct {
	mu sync.Mutex

	backend  providers.Backend
	provider providers.Provider

	probes      *outcomeWindow
	combined    *outcomeWindow
	latencies   *latencyWindow
	consecutive int
	lastProbeOK bool
	lastError   string
	total       int64

	snapshot atomic.Pointer[Record]
}

// Monitor probes registered backends on a schedule
type Monitor struct {
	cfg     Config
	logger  *zap.Logger
	metrics observability.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[providers.Backend]*entry
	order   []providers.Backend

	subMu     sync.RWMutex
	observers []Observer
	sinks     []AlertSink

	alertMu   sync.Mutex
	lastAlert map[alertKey]time.Time

	runMu     sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// NewMonitor creates a stopped monitor
func NewMonitor(cfg Config, metrics observability.Metrics, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.LatencyWindow < 1 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		entries:   make(map[providers.Backend]*entry),
		lastAlert: make(map[alertKey]time.Time),
	}
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Register starts tracking a provider. Registering a backend again swaps the
// provider and keeps its history.
func (m *Monitor) Register(p providers.Provider) {
	backend := p.Backend()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[backend]; ok {
		e.mu.Lock()
		e.provider = p
		e.mu.Unlock()
		return
	}

	e := &entry{
		backend:     backend,
		provider:    p,
		probes:      newOutcomeWindow(m.cfg.WindowSize),
		combined:    newOutcomeWindow(m.cfg.WindowSize),
		latencies:   newLatencyWindow(m.cfg.LatencyWindow),
		lastProbeOK: true,
	}
	e.snapshot.Store(&Record{
		Backend:   backend,
		IsHealthy: true,
		Uptime:    100,
	})
	m.entries[backend] = e
	m.order = append(m.order, backend)
	m.metrics.SetHealthy(backend.String(), true)
}

// Subscribe adds an observer
func (m *Monitor) Subscribe(o Observer) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.observers = append(m.observers, o)
}

// AddSink adds an alert sink
func (m *Monitor) AddSink(s AlertSink) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Backends returns registered backends in registration order
func (m *Monitor) Backends() []providers.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]providers.Backend(nil), m.order...)
}

func (m *Monitor) entry(backend providers.Backend) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[backend]
	return e, ok
}

// Record returns the latest snapshot of a backend
func (m *Monitor) Record(backend providers.Backend) (Record, bool) {
	e, ok := m.entry(backend)
	if !ok {
		return Record{}, false
	}
	return *e.snapshot.Load(), true
}

// Records returns the latest snapshot of every backend in registration order
func (m *Monitor) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.order))
	for _, b := range m.order {
		out = append(out, *m.entries[b].snapshot.Load())
	}
	return out
}

// Start schedules the recurring probe job. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(func() {
			m.CheckAll(runCtx)
		}),
		gocron.WithName("health_probe"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule health probe: %w", err)
	}

	s.Start()
	m.scheduler = s
	m.cancel = cancel

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("concurrency", m.cfg.Concurrency),
	)
	return nil
}

// Stop cancels in-flight probes and shuts the scheduler down. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.scheduler == nil {
		return
	}
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.Warn("health scheduler shutdown failed", zap.Error(err))
	}
	m.scheduler = nil
	m.cancel = nil
	m.logger.Info("health monitor stopped")
}

// CheckAll probes every registered backend, at most Concurrency at a time.
// Failures end up in the records; nothing is returned.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, b := range m.order {
		entries = append(entries, m.entries[b])
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, e := range entries {
		g.Go(func() error {
			m.probe(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckProviderHealth probes one backend immediately, outside the schedule
func (m *Monitor) CheckProviderHealth(ctx context.Context, backend providers.Backend) (Record, error) {
	e, ok := m.entry(backend)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrBackendNotRegistered, backend)
	}
	return m.probe(ctx, e), nil
}

// RecordOutcome feeds a request result into the backend's record
func (m *Monitor) RecordOutcome(backend providers.Backend, latency time.Duration, err error) {
	e, ok := m.entry(backend)
	if !ok {
		return
	}
	obs := observation{
		source:  SourceRequest,
		ok:      err == nil,
		latency: latency,
		at:      m.now(),
	}
	if err != nil {
		obs.err = err.Error()
	}
	m.observe(e, obs)
}

func (m *Monitor) probe(ctx context.Context, e *entry) Record {
	e.mu.Lock()
	p := e.provider
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	result := m.safeHealthCheck(pctx, p)
	return m.observe(e, observation{
		source:  SourceProbe,
		ok:      result.Healthy,
		latency: result.Latency,
		err:     result.Error,
		at:      m.now(),
	})
}

func (m *Monitor) safeHealthCheck(ctx context.Context, p providers.Provider) (result providers.HealthCheckResult) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked",
				zap.String("backend", p.Backend().String()),
				zap.Any("panic", r),
			)
			result = providers.HealthCheckResult{
				Backend:   p.Backend(),
				Healthy:   false,
				Latency:   m.now().Sub(start),
				Error:     fmt.Sprintf("probe panic: %v", r),
				CheckedAt: m.now(),
			}
		}
	}()
	return p.HealthCheck(ctx)
}

// observe applies one observation, publishes the snapshot, then notifies
// observers and evaluates alerts while still holding the entry lock so that
// updates for a backend are delivered in order.
func (m *Monitor) observe(e *entry, obs observation) Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	e.combined.add(obs.ok)
	if obs.source == SourceProbe {
		e.probes.add(obs.ok)
		e.lastProbeOK = obs.ok
	}
	if obs.ok {
		e.consecutive = 0
		e.latencies.add(obs.latency)
	} else {
		e.consecutive++
		e.lastError = obs.err
	}

	rec := Record{
		Backend:             e.backend,
		IsHealthy:           e.lastProbeOK && e.consecutive < m.cfg.FailureThreshold,
		ConsecutiveFailures: e.consecutive,
		Uptime:              e.probes.successPercent(),
		AverageLatencyMs:    e.latencies.averageMs(),
		ErrorRate:           100 - e.combined.successPercent(),
		LastError:           e.lastError,
		LastChecked:         obs.at,
		TotalChecks:         e.total,
		Source:              obs.source,
		Success:             obs.ok,
	}
	prev := e.snapshot.Swap(&rec)

	if prev != nil && prev.IsHealthy != rec.IsHealthy {
		m.logger.Info("backend health changed",
			zap.String("backend", e.backend.String()),
			zap.Bool("healthy", rec.IsHealthy),
			zap.Int("consecutive_failures", rec.ConsecutiveFailures),
			zap.String("last_error", rec.LastError),
		)
	}
	m.metrics.SetHealthy(e.backend.String(), rec.IsHealthy)

	m.subMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.subMu.RUnlock()
	for _, o := range observers {
		o.OnHealthUpdate(rec)
	}

	m.evaluateAlerts(rec)
	return rec
}

func (m *Monitor) evaluateAlerts(rec Record) {
	if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
		m.raise(rec, ConditionConsecutiveFailures, float64(rec.ConsecutiveFailures), float64(m.cfg.FailureThreshold),
			fmt.Sprintf("%d consecutive failures: %s", rec.ConsecutiveFailures, rec.LastError))
	}
	if m.cfg.ErrorRateThreshold > 0 && rec.ErrorRate > m.cfg.ErrorRateThreshold {
		m.raise(rec, ConditionErrorRate, rec.ErrorRate, m.cfg.ErrorRateThreshold,
			fmt.Sprintf("error rate %.1f%% above %.1f%%", rec.ErrorRate, m.cfg.ErrorRateThreshold))
	}
	thresholdMs := float64(m.cfg.LatencyThreshold) / float64(time.Millisecond)
	if thresholdMs > 0 && rec.AverageLatencyMs > thresholdMs {
		m.raise(rec, ConditionLatency, rec.AverageLatencyMs, thresholdMs,
			fmt.Sprintf("average latency %.0fms above %.0fms", rec.AverageLatencyMs, thresholdMs))
	}
}

func (m *Monitor) raise(rec Record, cond Condition, value, threshold float64, msg string) {
	now := m.now()
	key := alertKey{backend: rec.Backend, condition: cond}

	m.alertMu.Lock()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.alertMu.Unlock()
		return
	}
	m.lastAlert[key] = now
	m.alertMu.Unlock()

	alert := Alert{
		ID:        uuid.New(),
		Backend:   rec.Backend,
		Condition: cond,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		Timestamp: now,
	}
	m.metrics.RecordAlert(rec.Backend.String(), string(cond))

	m.subMu.RLock()
	sinks := append([]AlertSink(nil), m.sinks...)
	m.subMu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(context.Background(), alert); err != nil {
			m.logger.Warn("failed to deliver alert",
				zap.String("backend", rec.Backend.String()),
				zap.String("condition", string(cond)),
				zap.Error(err),
			)
		}
	}
}
