package health

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/providers"
)

// Condition names the threshold an alert crossed
type Condition string

const (
	ConditionConsecutiveFailures Condition = "consecutive_failures"
	ConditionErrorRate           Condition = "error_rate"
	ConditionLatency             Condition = "latency"
)

// ErrSinkFull is returned by ChannelSink when the subscriber is not keeping up
var ErrSinkFull = errors.New("alert sink full")

// Alert is emitted when a backend crosses a health threshold
type Alert struct {
	ID        uuid.UUID         `json:"id"`
	Backend   providers.Backend `json:"backend"`
	Condition Condition         `json:"condition"`
	Message   string            `json:"message"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertSink receives alerts. Errors are logged by the monitor and never propagated.
type AlertSink interface {
	Deliver(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every alert at warn level
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, alert Alert) error {
	s.logger.Warn("health alert",
		zap.String("alert_id", alert.ID.String()),
		zap.String("backend", alert.Backend.String()),
		zap.String("condition", string(alert.Condition)),
		zap.String("message", alert.Message),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	)
	return nil
}

// ChannelSink publishes alerts on a buffered channel without blocking the monitor
type ChannelSink struct {
	ch chan Alert
}

// NewChannelSink creates a sink with the given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Alert, buffer)}
}

func (s *ChannelSink) Deliver(ctx context.Context, alert Alert) error {
	select {
	case s.ch <- alert:
		return nil
	default:
		return ErrSinkFull
	}
}

// Alerts returns the receive side of the channel
func (s *ChannelSink) Alerts() <-chan Alert {
	return s.ch
}

type alertKey struct {
	backend   providers.Backend
	condition Condition
}
