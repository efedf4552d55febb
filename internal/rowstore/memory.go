package rowstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
)

// MemoryStore is a Backend held in process memory. Writes and their
// broadcasts happen under one lock, so every subscriber sees a row's events
// in write order.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]game.Room
	players map[string]game.Player
	broker  Broker
	now     func() time.Time
	last    time.Time
}

// NewMemoryStore creates an empty store broadcasting through broker. A nil
// broker gets a LocalBroker with the default buffer.
func NewMemoryStore(broker Broker) *MemoryStore {
	if broker == nil {
		broker = NewLocalBroker(DefaultSubscriberBuffer)
	}
	return &MemoryStore{
		rooms:   make(map[string]game.Room),
		players: make(map[string]game.Player),
		broker:  broker,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Timestamps stay strictly increasing.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// tick returns a strictly increasing timestamp. Caller holds s.mu.
func (s *MemoryStore) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) InsertRoom(ctx context.Context, code string) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[code]; exists {
		return game.Room{}, ErrDuplicateRoom
	}
	room := game.Room{Code: code, IsActive: true, CreatedAt: s.tick()}
	s.rooms[code] = room
	return room, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, code string) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[code]
	if !ok {
		return game.Room{}, ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) DeactivateRoom(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[code]
	if !ok {
		return ErrNotFound
	}
	room.IsActive = false
	s.rooms[code] = room
	return nil
}

func (s *MemoryStore) InsertPlayer(ctx context.Context, p game.Player) (game.Player, error) {
	if err := ctx.Err(); err != nil {
		return game.Player{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = uuid.NewString()
	p.CreatedAt = s.tick()
	p.UpdatedAt = p.CreatedAt
	if err := p.Validate(); err != nil {
		return game.Player{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	s.players[p.ID] = p
	s.broker.Publish(ctx, p.RoomCode, InsertEvent(p))
	return p, nil
}

func (s *MemoryStore) UpdatePlayer(ctx context.Context, id string, u game.PlayerUpdate) (game.Player, error) {
	if err := ctx.Err(); err != nil {
		return game.Player{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.players[id]
	if !ok {
		return game.Player{}, ErrNotFound
	}
	if u.IsEmpty() {
		return old, nil
	}

	updated := u.ApplyTo(old)
	updated.UpdatedAt = s.tick()
	if err := updated.Validate(); err != nil {
		return game.Player{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	s.players[id] = updated
	s.broker.Publish(ctx, updated.RoomCode, UpdateEvent(old, updated))
	return updated, nil
}

func (s *MemoryStore) DeletePlayer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.players[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.players, id)
	s.broker.Publish(ctx, old.RoomCode, DeleteEvent(old))
	return nil
}

func (s *MemoryStore) QueryPlayers(ctx context.Context, f PlayerFilter) ([]game.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]game.Player, 0, len(s.players))
	for _, p := range s.players {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	SortPlayers(out)
	return out, nil
}

func (s *MemoryStore) StaleRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[string]bool)
	for _, p := range s.players {
		if p.IsActive && !p.UpdatedAt.Before(cutoff) {
			busy[p.RoomCode] = true
		}
	}

	var stale []string
	for code, room := range s.rooms {
		if room.IsActive && room.CreatedAt.Before(cutoff) && !busy[code] {
			stale = append(stale, code)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, room string) (Subscription, error) {
	return s.broker.Subscribe(ctx, room)
}

// SortPlayers orders rows by created_at, breaking ties by id.
func SortPlayers(players []game.Player) {
	sort.SliceStable(players, func(i, j int) bool {
		return PlayerLess(players[i], players[j])
	})
}

// PlayerLess is the row order shared by stores and replicas.
func PlayerLess(a, b game.Player) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
