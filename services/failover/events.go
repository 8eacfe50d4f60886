package failover

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-failover/services/providers"
)

// EventType classifies a failover event
type EventType string

const (
	EventFailover     EventType = "failover"
	EventRecovery     EventType = "recovery"
	EventManualSwitch EventType = "manual-switch"
)

// Event is an immutable entry of the failover audit trail.
// Backend is the circuit that changed (or the manual target); From and To are
// the active backend before and after.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      EventType         `json:"type"`
	Backend   providers.Backend `json:"backend"`
	From      providers.Backend `json:"from"`
	To        providers.Backend `json:"to"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

// DefaultEventLogSize is the default number of retained events
const DefaultEventLogSize = 100

// EventLog is a bounded FIFO ring of events
type EventLog struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	size  int
}

// NewEventLog creates a log holding at most capacity events
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = DefaultEventLogSize
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append adds an event, evicting the oldest when full
func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

// Events returns retained events, oldest first
func (l *EventLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}
