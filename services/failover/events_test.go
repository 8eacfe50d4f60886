package failover

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_FIFOEviction(t *testing.T) {
	log := NewEventLog(3)

	for i := 0; i < 5; i++ {
		log.Append(Event{Reason: fmt.Sprintf("event-%d", i)})
		assert.LessOrEqual(t, len(log.Events()), 3)
	}

	events := log.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "event-2", events[0].Reason)
	assert.Equal(t, "event-3", events[1].Reason)
	assert.Equal(t, "event-4", events[2].Reason)
}

func TestEventLog_DefaultCapacity(t *testing.T) {
	log := NewEventLog(0)
	assert.Len(t, log.buf, DefaultEventLogSize)

	for i := 0; i < 250; i++ {
		log.Append(Event{Reason: fmt.Sprintf("event-%d", i)})
	}
	events := log.Events()
	require.Len(t, events, DefaultEventLogSize)
	assert.Equal(t, "event-150", events[0].Reason)
	assert.Equal(t, "event-249", events[len(events)-1].Reason)
}

func TestEventLog_EventsIsCopy(t *testing.T) {
	log := NewEventLog(2)
	log.Append(Event{Reason: "a"})

	events := log.Events()
	events[0].Reason = "mutated"

	assert.Equal(t, "a", log.Events()[0].Reason)
}
