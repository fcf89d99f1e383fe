package extract

import (
	"encoding/json"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBusPublishSubscribe(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{})
	defer cancel()

	eb.Publish("turn", "sess-1", json.RawMessage(`{"turn_number":1}`))

	e := recvEvent(t, ch)
	if e.Type != "turn" || e.SessionID != "sess-1" {
		t.Errorf("got event %+v", e)
	}
	if e.ID == "" {
		t.Error("event ID not assigned")
	}
}

func TestEventBusSessionFilter(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{SessionID: "sess-2"})
	defer cancel()

	eb.Publish("turn", "sess-1", nil)
	eb.Publish("turn", "sess-2", nil)

	e := recvEvent(t, ch)
	if e.SessionID != "sess-2" {
		t.Errorf("filter leaked session %q", e.SessionID)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event %+v", extra)
	default:
	}
}

func TestEventBusTypeFilter(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{Types: []string{"completion"}})
	defer cancel()

	eb.Publish("turn", "sess-1", nil)
	eb.Publish("completion", "sess-1", nil)

	e := recvEvent(t, ch)
	if e.Type != "completion" {
		t.Errorf("type filter leaked %q", e.Type)
	}
}

func TestEventBusCancelStopsDelivery(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{})
	cancel()

	eb.Publish("turn", "sess-1", nil)

	select {
	case e := <-ch:
		t.Errorf("delivered after cancel: %+v", e)
	default:
	}
}

func TestEventBusReplaySince(t *testing.T) {
	eb := NewEventBus(8)

	eb.Publish("turn", "sess-1", nil) // ID "1"
	eb.Publish("turn", "sess-1", nil) // ID "2"
	eb.Publish("turn", "sess-2", nil) // ID "3"
	eb.Publish("turn", "sess-1", nil) // ID "4"

	events := eb.ReplaySince("2", Filter{})
	if len(events) != 2 {
		t.Fatalf("replay returned %d events, want 2", len(events))
	}
	if events[0].ID != "3" || events[1].ID != "4" {
		t.Errorf("replay order wrong: %q, %q", events[0].ID, events[1].ID)
	}

	filtered := eb.ReplaySince("2", Filter{SessionID: "sess-1"})
	if len(filtered) != 1 || filtered[0].ID != "4" {
		t.Errorf("filtered replay = %+v", filtered)
	}

	if got := eb.ReplaySince("", Filter{}); len(got) != 0 {
		t.Errorf("empty last-event-id replayed %d events", len(got))
	}
}

func TestEventBusRingWraparound(t *testing.T) {
	eb := NewEventBus(4)
	for i := 0; i < 10; i++ {
		eb.Publish("turn", "sess-1", nil)
	}
	// IDs 7..10 remain; replaying from 7 yields 8, 9, 10.
	events := eb.ReplaySince("7", Filter{})
	if len(events) != 3 {
		t.Fatalf("replay after wraparound returned %d events, want 3", len(events))
	}
	if events[2].ID != "10" {
		t.Errorf("last replayed ID = %q, want 10", events[2].ID)
	}
}
