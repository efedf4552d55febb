package redisfeed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// TestChannel tests the per-room channel name
func TestChannel(t *testing.T) {
	if got := Channel("4821"); got != "kot:room:4821" {
		t.Errorf("Expected kot:room:4821, got %s", got)
	}
}

// TestRedisRoundTrip tests publish and subscribe against a live server
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := Connect(ctx, Options{Addr: addr}, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b := New(rdb, logger, 8)
	defer b.Close()

	room := "t" + time.Now().Format("150405.000")
	sub, err := b.Subscribe(ctx, room)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p := game.Player{ID: "r1", RoomCode: room, PlayerID: "p", MaxHealth: 10, Health: 6}
	if err := b.Publish(ctx, room, rowstore.InsertEvent(p)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != rowstore.EventInsert || ev.New.Health != 6 {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	if !errors.Is(sub.Err(), rowstore.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", sub.Err())
	}
}
