package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func insert(t *testing.T, s rowstore.Store, room, playerID, monster string) game.Player {
	t.Helper()
	m, _ := game.LookupMonster(monster)
	p, err := s.InsertPlayer(context.Background(), game.NewPlayer(room, playerID, m))
	if err != nil {
		t.Fatalf("InsertPlayer: %v", err)
	}
	return p
}

func startReconciler(t *testing.T, store rowstore.Store, room string) *Reconciler {
	t.Helper()
	r := NewReconciler(store, replica.New(), zaptest.NewLogger(t), Options{ReconnectDelay: 5 * time.Millisecond})
	if err := r.Start(context.Background(), room); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.WaitSynced(ctx); err != nil {
		t.Fatalf("WaitSynced: %v", err)
	}
	return r
}

// TestReconcilerInitialLoad tests the fetch of rows written before start
func TestReconcilerInitialLoad(t *testing.T) {
	store := rowstore.NewMemoryStore(nil)
	a := insert(t, store, "1234", "p1", "kraken")
	gone := insert(t, store, "1234", "p2", "gigazaur")
	store.UpdatePlayer(context.Background(), gone.ID, game.PlayerUpdate{IsActive: game.Bool(false)})
	insert(t, store, "9999", "p3", "alienoid")

	r := startReconciler(t, store, "1234")

	if r.State() != StateSynced {
		t.Errorf("Expected synced, got %s", r.State())
	}
	snap := r.Replica().Snapshot()
	if len(snap.Players) != 2 {
		t.Errorf("Expected both rows of the room including inactive, got %d", len(snap.Players))
	}
	if active := snap.Active(); len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("Expected only %s active, got %+v", a.ID, active)
	}
}

// TestReconcilerAppliesEvents tests live inserts, updates and deletes
func TestReconcilerAppliesEvents(t *testing.T) {
	store := rowstore.NewMemoryStore(nil)
	r := NewReconciler(store, replica.New(), zaptest.NewLogger(t), Options{})

	var changes atomic.Int32
	r.OnChange(func(*replica.Snapshot) { changes.Add(1) })
	if err := r.Start(context.Background(), "1234"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()
	r.WaitSynced(context.Background())

	p := insert(t, store, "1234", "p1", "kraken")
	store.UpdatePlayer(context.Background(), p.ID, game.PlayerUpdate{Health: game.Int(3)})
	eventually(t, "update", func() bool {
		got, ok := r.Replica().Snapshot().Find(p.ID)
		return ok && got.Health == 3
	})

	store.DeletePlayer(context.Background(), p.ID)
	eventually(t, "delete", func() bool {
		_, ok := r.Replica().Snapshot().Find(p.ID)
		return !ok
	})

	if changes.Load() < 4 {
		t.Errorf("Expected at least 4 change callbacks, got %d", changes.Load())
	}
	if st := r.Stats(); st.Applied != 3 {
		t.Errorf("Expected 3 applied events, got %+v", st)
	}
}

// TestReconcilerRecoversFromDrop tests refetch after the feed drops
func TestReconcilerRecoversFromDrop(t *testing.T) {
	broker := rowstore.NewLocalBroker(16)
	store := rowstore.NewMemoryStore(broker)
	r := startReconciler(t, store, "1234")

	broker.Disconnect("1234", errors.New("connection reset"))
	// Written while no subscription is open: only a refetch can see it.
	missed := insert(t, store, "1234", "p1", "kraken")

	eventually(t, "refetch", func() bool {
		_, ok := r.Replica().Snapshot().Find(missed.ID)
		return ok && r.State() == StateSynced
	})
	if r.Stats().Reconnects == 0 {
		t.Error("Expected a reconnect to be counted")
	}

	later := insert(t, store, "1234", "p2", "the-king")
	eventually(t, "resubscribed feed", func() bool {
		_, ok := r.Replica().Snapshot().Find(later.ID)
		return ok
	})
}

// TestReconcilerSlowSubscriber tests that overflowing the feed buffer resyncs
func TestReconcilerSlowSubscriber(t *testing.T) {
	broker := rowstore.NewLocalBroker(1)
	store := rowstore.NewMemoryStore(broker)

	block := make(chan struct{})
	r := NewReconciler(store, replica.New(), zaptest.NewLogger(t), Options{ReconnectDelay: time.Millisecond})
	var blocked atomic.Bool
	r.OnChange(func(snap *replica.Snapshot) {
		if len(snap.Players) == 1 && blocked.CompareAndSwap(false, true) {
			<-block
		}
	})
	r.Start(context.Background(), "1234")
	defer r.Stop()
	r.WaitSynced(context.Background())

	insert(t, store, "1234", "p1", "kraken")
	eventually(t, "callback to block", blocked.Load)
	for i, m := range []string{"gigazaur", "alienoid", "the-king"} {
		insert(t, store, "1234", "px"+string(rune('0'+i)), m)
	}
	close(block)

	eventually(t, "all rows after resync", func() bool {
		return len(r.Replica().Snapshot().Players) == 4
	})
}

type scriptedStore struct {
	*rowstore.MemoryStore
	feed *rowstore.Feed
}

func (s *scriptedStore) Subscribe(ctx context.Context, room string) (rowstore.Subscription, error) {
	return s.feed, nil
}

// TestReconcilerDropsMalformed tests that bad events are counted and skipped
func TestReconcilerDropsMalformed(t *testing.T) {
	mem := rowstore.NewMemoryStore(nil)
	existing := insert(t, mem, "1234", "p1", "kraken")
	store := &scriptedStore{MemoryStore: mem, feed: rowstore.NewFeed(8, nil)}
	r := startReconciler(t, store, "1234")

	good := existing
	good.Energy = 5
	bad := []rowstore.Event{
		{Kind: "TRUNCATE"},
		{Kind: rowstore.EventInsert},
		rowstore.InsertEvent(game.Player{ID: "x", RoomCode: "9999", PlayerID: "p", MaxHealth: 10}),
		rowstore.UpdateEvent(existing, game.Player{ID: existing.ID, RoomCode: "1234", PlayerID: "p1"}),
	}
	for _, ev := range bad {
		store.feed.Send(ev)
	}
	store.feed.Send(rowstore.UpdateEvent(existing, good))

	eventually(t, "good event", func() bool {
		p, _ := r.Replica().Snapshot().Find(existing.ID)
		return p.Energy == 5
	})
	if st := r.Stats(); st.Dropped != uint64(len(bad)) {
		t.Errorf("Expected %d dropped, got %+v", len(bad), st)
	}
	if len(r.Replica().Snapshot().Players) != 1 {
		t.Errorf("Malformed events leaked into the replica")
	}
}

// TestReconcilerResync tests the read-after-write refresh
func TestReconcilerResync(t *testing.T) {
	mem := rowstore.NewMemoryStore(nil)
	// The scripted feed never delivers, so only Resync can surface writes.
	store := &scriptedStore{MemoryStore: mem, feed: rowstore.NewFeed(8, nil)}

	idle := NewReconciler(store, replica.New(), zaptest.NewLogger(t), Options{})
	if err := idle.Resync(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	r := startReconciler(t, store, "1234")
	p := insert(t, mem, "1234", "p1", "kraken")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if _, ok := r.Replica().CurrentPlayer("p1"); !ok {
		t.Errorf("Expected %s after resync", p.ID)
	}
	if r.Stats().Resyncs != 1 {
		t.Errorf("Expected 1 resync, got %d", r.Stats().Resyncs)
	}
}

// TestReconcilerStop tests the return to uninitialized
func TestReconcilerStop(t *testing.T) {
	store := rowstore.NewMemoryStore(nil)
	r := startReconciler(t, store, "1234")

	if err := r.Start(context.Background(), "1234"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	r.Stop()
	if r.State() != StateUninitialized {
		t.Errorf("Expected uninitialized, got %s", r.State())
	}
	r.Stop()

	if err := r.Start(context.Background(), "5678"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.WaitSynced(ctx); err != nil {
		t.Fatalf("WaitSynced after restart: %v", err)
	}
	if r.Replica().Room() != "5678" {
		t.Errorf("Expected room 5678, got %s", r.Replica().Room())
	}
}
