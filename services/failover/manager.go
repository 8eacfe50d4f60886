// Package failover keeps a circuit breaker per backend and selects the active backend.
package failover

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/internal/observability"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
)

var (
	// ErrUnknownBackend is returned for backends the manager does not track
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrAlreadyActive is returned when a manual switch targets the active backend
	ErrAlreadyActive = errors.New("backend already active")
)

// CircuitState is the breaker position of a backend
type CircuitState string

const (
	StateClosed CircuitState = "closed"
	StateOpen   CircuitState = "open"
)

// Config controls thresholds and backoff
type Config struct {
	// Priority lists backends, most preferred first
	Priority         []providers.Backend
	FailureThreshold int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	AutoFailback     bool
	EventLogSize     int
}

// ProviderState is a read-only view of one circuit
type ProviderState struct {
	Backend             providers.Backend `json:"backend"`
	State               CircuitState      `json:"state"`
	Active              bool              `json:"active"`
	Priority            int               `json:"priority"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	BackoffUntil        time.Time         `json:"backoff_until,omitempty"`
	Backoff             time.Duration     `json:"backoff"`
	Trips               int               `json:"trips"`
	LastTransition      time.Time         `json:"last_transition,omitempty"`
}

// SwitchListener is notified after the active backend changes
type SwitchListener interface {
	OnSwitch(ev Event)
}

// SwitchListenerFunc adapts a function to SwitchListener
type SwitchListenerFunc func(ev Event)

func (f SwitchListenerFunc) OnSwitch(ev Event) { f(ev) }

type circuit struct {
	state          CircuitState
	priority       int
	consecutive    int
	backoff        time.Duration
	backoffUntil   time.Time
	trips          int
	lastTransition time.Time
}

// Manager owns circuit state. It consumes health updates as a health.Observer.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics observability.Metrics
	now     func() time.Time
	events  *EventLog

	mu       sync.RWMutex
	circuits map[providers.Backend]*circuit
	active   providers.Backend

	listenerMu sync.RWMutex
	listeners  []SwitchListener
}

// NewManager creates a manager with every backend of cfg.Priority closed and
// the first one active
func NewManager(cfg Config, metrics observability.Metrics, logger *zap.Logger) (*Manager, error) {
	if len(cfg.Priority) == 0 {
		return nil, errors.New("failover priority list is empty")
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		events:   NewEventLog(cfg.EventLogSize),
		circuits: make(map[providers.Backend]*circuit, len(cfg.Priority)),
	}
	for i, b := range cfg.Priority {
		if _, dup := m.circuits[b]; dup {
			return nil, fmt.Errorf("backend %s listed twice in failover priority", b)
		}
		m.circuits[b] = &circuit{state: StateClosed, priority: i}
		metrics.SetCircuitOpen(b.String(), false)
	}
	m.active = cfg.Priority[0]
	return m, nil
}

// AddListener registers a switch listener
func (m *Manager) AddListener(l SwitchListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current returns the active backend
func (m *Manager) Current() providers.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// GetCurrentProvider is an alias of Current
func (m *Manager) GetCurrentProvider() providers.Backend {
	return m.Current()
}

// Allow returns a CircuitOpenError when the backend's circuit is open.
// Backends the manager does not track are always allowed.
func (m *Manager) Allow(backend providers.Backend) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.circuits[backend]
	if !ok || c.state == StateClosed {
		return nil
	}
	return providers.NewCircuitOpenError(backend, c.backoffUntil)
}

// OnHealthUpdate drives circuit transitions from health records
func (m *Manager) OnHealthUpdate(rec health.Record) {
	m.mu.Lock()
	c, ok := m.circuits[rec.Backend]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.consecutive = rec.ConsecutiveFailures
	now := m.now()

	var ev *Event
	switch c.state {
	case StateClosed:
		if rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			ev = m.openCircuit(rec, c, now)
		}
	case StateOpen:
		if now.Before(c.backoffUntil) || rec.Source != health.SourceProbe {
			break
		}
		if rec.Success {
			ev = m.closeCircuit(rec.Backend, c, now)
		} else {
			// still failing after backoff: re-arm with a longer backoff
			c.backoff = m.nextBackoff(c.backoff)
			c.backoffUntil = now.Add(c.backoff)
		}
	}
	m.mu.Unlock()

	if ev != nil {
		m.publish(*ev)
	}
}

// openCircuit opens a closed circuit. Caller holds mu.
func (m *Manager) openCircuit(rec health.Record, c *circuit, now time.Time) *Event {
	c.state = StateOpen
	c.trips++
	c.backoff = m.cfg.InitialBackoff
	c.backoffUntil = now.Add(c.backoff)
	c.lastTransition = now

	from := m.active
	if m.active == rec.Backend {
		if next, ok := m.bestClosed(); ok {
			m.active = next
		}
	}

	reason := fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures)
	if rec.LastError != "" {
		reason += ": " + rec.LastError
	}
	return m.appendLocked(EventFailover, rec.Backend, from, m.active, reason, now)
}

// closeCircuit closes an open circuit. Caller holds mu.
func (m *Manager) closeCircuit(backend providers.Backend, c *circuit, now time.Time) *Event {
	c.state = StateClosed
	c.backoff = 0
	c.backoffUntil = time.Time{}
	c.lastTransition = now

	from := m.active
	activeOpen := m.circuits[m.active].state == StateOpen
	if activeOpen || (m.cfg.AutoFailback && c.priority < m.circuits[m.active].priority) {
		m.active = backend
	}
	return m.appendLocked(EventRecovery, backend, from, m.active, "health probe succeeded after backoff", now)
}

func (m *Manager) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return m.cfg.InitialBackoff
	}
	next := current * 2
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	return next
}

// bestClosed returns the highest-priority closed backend. Caller holds mu.
func (m *Manager) bestClosed() (providers.Backend, bool) {
	for _, b := range m.cfg.Priority {
		if m.circuits[b].state == StateClosed {
			return b, true
		}
	}
	return "", false
}

func (m *Manager) appendLocked(typ EventType, backend, from, to providers.Backend, reason string, now time.Time) *Event {
	ev := Event{
		ID:        uuid.New(),
		Type:      typ,
		Backend:   backend,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	}
	m.events.Append(ev)
	return &ev
}

// publish logs, records metrics and notifies listeners. Called without mu.
func (m *Manager) publish(ev Event) {
	m.metrics.RecordFailoverEvent(string(ev.Type))
	switch ev.Type {
	case EventFailover:
		m.metrics.SetCircuitOpen(ev.Backend.String(), true)
	case EventRecovery:
		m.metrics.SetCircuitOpen(ev.Backend.String(), false)
	}

	m.logger.Info("failover event",
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("backend", ev.Backend.String()),
		zap.String("from", ev.From.String()),
		zap.String("to", ev.To.String()),
		zap.String("reason", ev.Reason),
	)

	if ev.From == ev.To {
		return
	}
	m.listenerMu.RLock()
	listeners := append([]SwitchListener(nil), m.listeners...)
	m.listenerMu.RUnlock()
	for _, l := range listeners {
		l.OnSwitch(ev)
	}
}

// ManualFailover makes target active regardless of its circuit
func (m *Manager) ManualFailover(target providers.Backend, reason string) (Event, error) {
	m.mu.Lock()
	if _, ok := m.circuits[target]; !ok {
		m.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownBackend, target)
	}
	if m.active == target {
		m.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrAlreadyActive, target)
	}
	if reason == "" {
		reason = "manual switch"
	}
	from := m.active
	m.active = target
	ev := m.appendLocked(EventManualSwitch, target, from, target, reason, m.now())
	m.mu.Unlock()

	m.publish(*ev)
	return *ev, nil
}

// GetProviderStates returns circuit views in priority order
func (m *Manager) GetProviderStates() []ProviderState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderState, 0, len(m.cfg.Priority))
	for _, b := range m.cfg.Priority {
		c := m.circuits[b]
		out = append(out, ProviderState{
			Backend:             b,
			State:               c.state,
			Active:              b == m.active,
			Priority:            c.priority,
			ConsecutiveFailures: c.consecutive,
			BackoffUntil:        c.backoffUntil,
			Backoff:             c.backoff,
			Trips:               c.trips,
			LastTransition:      c.lastTransition,
		})
	}
	return out
}

// State returns one backend's circuit view
func (m *Manager) State(backend providers.Backend) (ProviderState, bool) {
	for _, s := range m.GetProviderStates() {
		if s.Backend == backend {
			return s, true
		}
	}
	return ProviderState{}, false
}

// GetFailoverEvents returns the retained events, oldest first
func (m *Manager) GetFailoverEvents() []Event {
	return m.events.Events()
}

var _ health.Observer = (*Manager)(nil)
