// Package replica holds one client's local copy of a room's player rows.
//
// State is an immutable Snapshot swapped atomically on every change. Only
// one goroutine writes (the feed reconciler); any goroutine may read.
package replica

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// MaxLogSize bounds the event log kept since the last Replace.
const MaxLogSize = 1024

// Snapshot is a point-in-time view of a room. Players are ordered by
// created_at then id, and include inactive rows. Treat it as read-only.
type Snapshot struct {
	Room    string
	Players []game.Player
	Version uint64
}

// Empty returns a snapshot with no rows.
func Empty(room string) *Snapshot {
	return &Snapshot{Room: room}
}

// Active returns the active rows in order.
func (s *Snapshot) Active() []game.Player {
	if s == nil {
		return nil
	}
	out := make([]game.Player, 0, len(s.Players))
	for _, p := range s.Players {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the row with the given id.
func (s *Snapshot) Find(id string) (game.Player, bool) {
	if s == nil {
		return game.Player{}, false
	}
	if i := s.index(id); i >= 0 {
		return s.Players[i], true
	}
	return game.Player{}, false
}

// ByPlayerID returns the active row owned by the identity token.
func (s *Snapshot) ByPlayerID(playerID string) (game.Player, bool) {
	if s == nil {
		return game.Player{}, false
	}
	for _, p := range s.Players {
		if p.IsActive && p.PlayerID == playerID {
			return p, true
		}
	}
	return game.Player{}, false
}

func (s *Snapshot) index(id string) int {
	for i, p := range s.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// ApplyEvent returns the snapshot after ev and whether anything changed.
// base is never modified. Insert of a known id, update of an unknown id and
// delete of an unknown id are no-ops.
func ApplyEvent(base *Snapshot, ev rowstore.Event) (*Snapshot, bool) {
	if base == nil {
		base = Empty("")
	}
	switch ev.Kind {
	case rowstore.EventInsert:
		if ev.New == nil || base.index(ev.New.ID) >= 0 {
			return base, false
		}
		return base.with(insertSorted(clonePlayers(base.Players, 1), *ev.New)), true

	case rowstore.EventUpdate:
		if ev.New == nil {
			return base, false
		}
		i := base.index(ev.New.ID)
		if i < 0 || sameRow(base.Players[i], *ev.New) {
			return base, false
		}
		players := clonePlayers(base.Players, 0)
		players = append(players[:i], players[i+1:]...)
		return base.with(insertSorted(players, *ev.New)), true

	case rowstore.EventDelete:
		if ev.Old == nil {
			return base, false
		}
		i := base.index(ev.Old.ID)
		if i < 0 {
			return base, false
		}
		players := clonePlayers(base.Players, 0)
		return base.with(append(players[:i], players[i+1:]...)), true
	}
	return base, false
}

// Replay applies events to base in order.
func Replay(base *Snapshot, events []rowstore.Event) *Snapshot {
	s := base
	for _, ev := range events {
		s, _ = ApplyEvent(s, ev)
	}
	return s
}

// Build returns a snapshot of rows in canonical order.
func Build(room string, rows []game.Player) *Snapshot {
	players := append([]game.Player(nil), rows...)
	rowstore.SortPlayers(players)
	return &Snapshot{Room: room, Players: players}
}

func (s *Snapshot) with(players []game.Player) *Snapshot {
	return &Snapshot{Room: s.Room, Players: players, Version: s.Version + 1}
}

func clonePlayers(players []game.Player, extra int) []game.Player {
	out := make([]game.Player, len(players), len(players)+extra)
	copy(out, players)
	return out
}

func insertSorted(players []game.Player, p game.Player) []game.Player {
	i := sort.Search(len(players), func(i int) bool {
		return rowstore.PlayerLess(p, players[i])
	})
	players = append(players, game.Player{})
	copy(players[i+1:], players[i:])
	players[i] = p
	return players
}

func sameRow(a, b game.Player) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}

// Store is the live replica for one room.
type Store struct {
	current atomic.Pointer[Snapshot]

	logMu sync.Mutex
	log   []rowstore.Event
}

// New creates an empty replica.
func New() *Store {
	s := &Store{}
	s.current.Store(Empty(""))
	return s
}

// Replace installs rows as the full state of room and clears the log.
func (s *Store) Replace(room string, rows []game.Player) *Snapshot {
	prev := s.current.Load()
	snap := Build(room, rows)
	snap.Version = prev.Version + 1
	s.current.Store(snap)

	s.logMu.Lock()
	s.log = nil
	s.logMu.Unlock()
	return snap
}

// Apply incorporates one event. It reports whether the replica changed.
func (s *Store) Apply(ev rowstore.Event) bool {
	next, changed := ApplyEvent(s.current.Load(), ev)

	s.logMu.Lock()
	if len(s.log) >= MaxLogSize {
		s.log = append(s.log[:0], s.log[len(s.log)-MaxLogSize+1:]...)
	}
	s.log = append(s.log, ev)
	s.logMu.Unlock()

	if changed {
		s.current.Store(next)
	}
	return changed
}

// Snapshot returns the current state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Room returns the room of the last Replace.
func (s *Store) Room() string {
	return s.current.Load().Room
}

// CurrentPlayer returns the active row owned by playerID.
func (s *Store) CurrentPlayer(playerID string) (game.Player, bool) {
	return s.current.Load().ByPlayerID(playerID)
}

// ActivePlayers returns the active rows in order.
func (s *Store) ActivePlayers() []game.Player {
	return s.current.Load().Active()
}

// Log returns a copy of the events applied since the last Replace.
func (s *Store) Log() []rowstore.Event {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]rowstore.Event(nil), s.log...)
}
