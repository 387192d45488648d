package stream

import (
	"sync"

	"conductor/internal/logging"
)

const subscriberBuffer = 256

// Hub fans execution events out to SSE subscribers. Each execution has a
// bounded ring buffer so late subscribers get a snapshot before tailing.
type Hub struct {
	ringSize int
	logger   *logging.Logger

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	ring   []Event // bounded; oldest dropped first
	subs   map[chan Event]struct{}
	closed bool
}

// NewHub creates a hub whose per-execution buffers hold ringSize events.
func NewHub(ringSize int) *Hub {
	if ringSize <= 0 {
		ringSize = 2000
	}
	return &Hub{
		ringSize: ringSize,
		logger:   logging.NewComponentLogger("StreamHub"),
		topics:   make(map[string]*topic),
	}
}

func (h *Hub) topicFor(executionID string, create bool) *topic {
	h.mu.RLock()
	t, ok := h.topics[executionID]
	h.mu.RUnlock()
	if ok || !create {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[executionID]; ok {
		return t
	}
	t = &topic{subs: make(map[chan Event]struct{})}
	h.topics[executionID] = t
	return t
}

// Publish appends an event to the execution's buffer and delivers it to
// every subscriber. Subscribers whose channel is full have lagged beyond the
// buffer; they are dropped and must reconnect.
func (h *Hub) Publish(event Event) {
	executionID := event.GetExecutionID()
	t := h.topicFor(executionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.ring = append(t.ring, event)
	if len(t.ring) > h.ringSize {
		t.ring = t.ring[len(t.ring)-h.ringSize:]
	}

	for ch := range t.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warn("subscriber_slow execution=%s, dropping subscriber", executionID)
			delete(t.subs, ch)
			close(ch)
		}
	}
}

// Subscribe returns the buffered snapshot and a channel tailing subsequent
// events. The cancel func must be called when the subscriber goes away.
func (h *Hub) Subscribe(executionID string) ([]Event, <-chan Event, func()) {
	t := h.topicFor(executionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]Event, len(t.ring))
	copy(snapshot, t.ring)

	if t.closed {
		ch := make(chan Event)
		close(ch)
		return snapshot, ch, func() {}
	}

	ch := make(chan Event, subscriberBuffer)
	t.subs[ch] = struct{}{}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return snapshot, ch, cancel
}

// CloseTopic marks an execution's stream terminal and closes subscriber
// channels. The buffer stays available for log retrieval until Drop.
func (h *Hub) CloseTopic(executionID string) {
	t := h.topicFor(executionID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for ch := range t.subs {
		delete(t.subs, ch)
		close(ch)
	}
}

// Events returns the buffered event log for post-hoc retrieval.
func (h *Hub) Events(executionID string) []Event {
	t := h.topicFor(executionID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.ring))
	copy(out, t.ring)
	return out
}

// Drop discards an execution's buffer once the retention window elapses.
func (h *Hub) Drop(executionID string) {
	h.CloseTopic(executionID)
	h.mu.Lock()
	delete(h.topics, executionID)
	h.mu.Unlock()
}
