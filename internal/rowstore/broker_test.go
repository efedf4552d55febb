package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
)

func waitDone(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
}

// TestLocalBrokerDropsSlowSubscriber tests that a full buffer ends the feed
func TestLocalBrokerDropsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(2)

	slow, _ := b.Subscribe(ctx, "1234")
	fast, _ := b.Subscribe(ctx, "1234")

	ev := InsertEvent(game.Player{ID: "r1", RoomCode: "1234"})
	for i := 0; i < 2; i++ {
		b.Publish(ctx, "1234", ev)
		<-fast.Events()
	}
	b.Publish(ctx, "1234", ev)

	waitDone(t, slow)
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Errorf("Expected ErrSlowSubscriber, got %v", slow.Err())
	}
	if b.Subscribers("1234") != 1 {
		t.Errorf("Expected 1 subscriber left, got %d", b.Subscribers("1234"))
	}
	if _, dropped := b.Stats(); dropped != 1 {
		t.Errorf("Expected 1 dropped subscriber, got %d", dropped)
	}
}

// TestLocalBrokerContextCancel tests that cancelling ends and unregisters
func TestLocalBrokerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewLocalBroker(4)

	sub, _ := b.Subscribe(ctx, "1234")
	cancel()
	waitDone(t, sub)

	if !errors.Is(sub.Err(), ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", sub.Err())
	}

	deadline := time.Now().Add(time.Second)
	for b.Subscribers("1234") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestLocalBrokerDisconnect tests forced disconnection of a room
func TestLocalBrokerDisconnect(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBroker(4)
	sub, _ := b.Subscribe(ctx, "1234")

	cause := errors.New("network down")
	b.Disconnect("1234", cause)
	waitDone(t, sub)

	if !errors.Is(sub.Err(), cause) {
		t.Errorf("Expected %v, got %v", cause, sub.Err())
	}

	b.Close()
	if _, err := b.Subscribe(ctx, "1234"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

// TestEventValidate tests rejection of malformed events
func TestEventValidate(t *testing.T) {
	good := game.Player{ID: "r1", RoomCode: "1234", PlayerID: "p", MaxHealth: 10}

	tests := []struct {
		name  string
		event Event
		valid bool
	}{
		{"insert", InsertEvent(good), true},
		{"update", UpdateEvent(good, good), true},
		{"delete id only", Event{Kind: EventDelete, Old: &game.Player{ID: "r1"}}, true},
		{"unknown kind", Event{Kind: "TRUNCATE", New: &good}, false},
		{"insert without image", Event{Kind: EventInsert}, false},
		{"update missing id", Event{Kind: EventUpdate, New: &game.Player{RoomCode: "1234", PlayerID: "p", MaxHealth: 10}}, false},
		{"wrong room", InsertEvent(game.Player{ID: "r1", RoomCode: "9999", PlayerID: "p", MaxHealth: 10}), false},
		{"delete without id", Event{Kind: EventDelete, Old: &game.Player{}}, false},
		{"bad max health", InsertEvent(game.Player{ID: "r1", RoomCode: "1234", PlayerID: "p"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate("1234")
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("Expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

// TestEventWireFormat tests the JSON shape of change events
func TestEventWireFormat(t *testing.T) {
	data, err := json.Marshal(DeleteEvent(game.Player{ID: "r1"}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	if string(raw["type"]) != `"DELETE"` {
		t.Errorf("Expected type DELETE, got %s", raw["type"])
	}
	if string(raw["new"]) != "null" {
		t.Errorf("Expected null new image, got %s", raw["new"])
	}

	var ev Event
	if err := json.Unmarshal([]byte(`{"type":"UPDATE","old":null,"new":{"id":"r2","room_code":"1234","health":7}}`), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Kind != EventUpdate || ev.RowID() != "r2" || ev.New.Health != 7 {
		t.Errorf("Unexpected event %+v", ev)
	}
}
