package extract

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voxhall/iv-engine/internal/metrics"
)

// Event is one item on the live stream delivered to SSE subscribers.
type Event struct {
	ID        string
	Type      string // "turn", "completion"
	SessionID string
	Data      json.RawMessage
}

// Filter narrows a subscription.
type Filter struct {
	SessionID string
	Types     []string
}

func matchesFilter(e Event, f Filter) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// EventBus provides pub-sub event distribution for SSE subscribers, with a
// ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber and returns its channel and cancel func.
func (eb *EventBus) Subscribe(filter Filter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans an event out to matching subscribers. Slow subscribers drop
// events rather than block the publisher.
func (eb *EventBus) Publish(eventType, sessionID string, data json.RawMessage) {
	e := Event{
		ID:        fmt.Sprintf("%d", eb.seq.Add(1)),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = e
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers {
		if !matchesFilter(e, sub.filter) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}

	metrics.SSEEventsPublishedTotal.Inc()
}

// PublishPayload marshals a payload map and publishes it.
func (eb *EventBus) PublishPayload(eventType, sessionID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	eb.Publish(eventType, sessionID, data)
}

// ReplaySince returns buffered events after the given event ID. An empty ID
// replays nothing (the ring only backfills reconnects).
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []Event
	found := false

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}
