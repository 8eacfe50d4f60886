package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
)

func TestAlertHandler_Stream(t *testing.T) {
	sink := health.NewChannelSink(4)
	require.NoError(t, sink.Deliver(context.Background(), health.Alert{
		ID:        uuid.New(),
		Backend:   providers.BackendAnthropic,
		Condition: health.ConditionConsecutiveFailures,
		Message:   "3 consecutive failures",
		Value:     3,
		Threshold: 3,
		Timestamp: time.Now(),
	}))

	handler := NewAlertHandler(sink.Alerts(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.HandleStream(w, req)
	}()

	// the buffered alert is written before the handler blocks again
	require.Eventually(t, func() bool { return len(sink.Alerts()) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: alert")
	assert.Contains(t, body, `"condition":"consecutive_failures"`)
	assert.Contains(t, body, `"backend":"anthropic"`)
}
