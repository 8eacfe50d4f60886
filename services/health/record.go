package health

import (
	"time"

	"github.com/upb/llm-failover/services/providers"
)

// Source identifies what produced an observation
type Source string

const (
	SourceProbe   Source = "probe"
	SourceRequest Source = "request"
)

// Record is an immutable snapshot of a backend's health
type Record struct {
	Backend             providers.Backend `json:"backend"`
	IsHealthy           bool              `json:"is_healthy"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Uptime              float64           `json:"uptime"`
	AverageLatencyMs    float64           `json:"average_latency_ms"`
	ErrorRate           float64           `json:"error_rate"`
	LastError           string            `json:"last_error,omitempty"`
	LastChecked         time.Time         `json:"last_checked"`
	TotalChecks         int64             `json:"total_checks"`

	// Source and Success describe the observation that produced this snapshot
	Source  Source `json:"source,omitempty"`
	Success bool   `json:"success"`
}

// FromSuccessfulProbe reports whether the snapshot was produced by a passing probe
func (r Record) FromSuccessfulProbe() bool {
	return r.Source == SourceProbe && r.Success
}

// outcomeWindow is a fixed-size ring of pass/fail observations
type outcomeWindow struct {
	buf  []bool
	next int
	size int
}

func newOutcomeWindow(n int) *outcomeWindow {
	if n < 1 {
		n = 1
	}
	return &outcomeWindow{buf: make([]bool, n)}
}

func (w *outcomeWindow) add(ok bool) {
	w.buf[w.next] = ok
	w.next = (w.next + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// successPercent returns 100 for an empty window
func (w *outcomeWindow) successPercent() float64 {
	if w.size == 0 {
		return 100
	}
	ok := 0
	for i := 0; i < w.size; i++ {
		if w.buf[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.size) * 100
}

// latencyWindow keeps the last n latencies of successful observations
type latencyWindow struct {
	buf  []time.Duration
	next int
	size int
}

func newLatencyWindow(n int) *latencyWindow {
	if n < 1 {
		n = 1
	}
	return &latencyWindow{buf: make([]time.Duration, n)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.buf[w.next] = d
	w.next = (w.next + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *latencyWindow) averageMs() float64 {
	if w.size == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.size; i++ {
		total += w.buf[i]
	}
	return float64(total) / float64(w.size) / float64(time.Millisecond)
}
