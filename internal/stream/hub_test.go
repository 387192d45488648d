package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(executionID, text string) Event {
	return &AgentChunkEvent{
		BaseEvent: NewBaseEvent(executionID),
		BlockID:   "b1",
		Agent:     "A",
		Text:      text,
	}
}

func TestSubscribeReceivesSnapshotThenTail(t *testing.T) {
	h := NewHub(100)

	h.Publish(chunk("exec1", "one"))
	h.Publish(chunk("exec1", "two"))

	snapshot, events, cancel := h.Subscribe("exec1")
	defer cancel()
	require.Len(t, snapshot, 2)

	h.Publish(chunk("exec1", "three"))
	select {
	case ev := <-events:
		assert.Equal(t, "three", ev.(*AgentChunkEvent).Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tailed event")
	}
}

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(chunk("exec1", fmt.Sprintf("e%d", i)))
	}

	events := h.Events("exec1")
	require.Len(t, events, 3)
	assert.Equal(t, "e2", events[0].(*AgentChunkEvent).Text)
	assert.Equal(t, "e4", events[2].(*AgentChunkEvent).Text)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := NewHub(10000)
	_, events, cancel := h.Subscribe("exec1")
	defer cancel()

	// Never read: once the channel buffer fills, the hub must drop us rather
	// than block publishers.
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(chunk("exec1", "x"))
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return // dropped and closed, as expected
			}
		case <-deadline:
			t.Fatal("slow subscriber was never dropped")
		}
	}
}

func TestCloseTopicClosesSubscribersButKeepsLog(t *testing.T) {
	h := NewHub(100)
	h.Publish(chunk("exec1", "one"))

	_, events, cancel := h.Subscribe("exec1")
	defer cancel()

	h.CloseTopic("exec1")

	_, open := <-events
	assert.False(t, open)

	// Log retrieval still works until Drop.
	assert.Len(t, h.Events("exec1"), 1)

	// Publishing after close is discarded.
	h.Publish(chunk("exec1", "late"))
	assert.Len(t, h.Events("exec1"), 1)
}

func TestSubscribeAfterCloseGetsSnapshotAndClosedChannel(t *testing.T) {
	h := NewHub(100)
	h.Publish(chunk("exec1", "one"))
	h.CloseTopic("exec1")

	snapshot, events, cancel := h.Subscribe("exec1")
	defer cancel()
	assert.Len(t, snapshot, 1)
	_, open := <-events
	assert.False(t, open)
}

func TestDropDiscardsBuffer(t *testing.T) {
	h := NewHub(100)
	h.Publish(chunk("exec1", "one"))
	h.Drop("exec1")
	assert.Empty(t, h.Events("exec1"))
}

func TestCancelIsIdempotentWithClose(t *testing.T) {
	h := NewHub(100)
	_, _, cancel := h.Subscribe("exec1")
	h.CloseTopic("exec1")
	cancel() // must not panic on the already-closed channel
}
