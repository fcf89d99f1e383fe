package mqttclient

import (
	"reflect"
	"testing"
	"time"
)

func TestParseTopics(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"single", "interviews/events", []string{"interviews/events"}},
		{"comma_separated", "interviews/events, providers/hume", []string{"interviews/events", "providers/hume"}},
		{"blank_entries_dropped", " , interviews/events, ", []string{"interviews/events"}},
		{"empty_defaults", "", []string{"interviews/#"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseTopics(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseTopics(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestConnectRequiresHandler(t *testing.T) {
	if _, err := Connect(Options{BrokerURL: "tcp://127.0.0.1:1883"}); err == nil {
		t.Fatal("Connect without a handler succeeded, want error")
	}
}

func TestStats(t *testing.T) {
	c := &Client{}
	if s := c.Stats(); s.Connected || s.MessagesReceived != 0 || s.LastMessageAt != nil {
		t.Errorf("fresh client stats = %+v, want zero values", s)
	}

	c.connected.Store(true)
	c.received.Add(3)
	now := time.Now()
	c.lastRecv.Store(now.UnixMilli())

	s := c.Stats()
	if !s.Connected || s.MessagesReceived != 3 {
		t.Errorf("stats = %+v, want connected with 3 messages", s)
	}
	if s.LastMessageAt == nil || s.LastMessageAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("last_message_at = %v, want %v", s.LastMessageAt, now)
	}
}
