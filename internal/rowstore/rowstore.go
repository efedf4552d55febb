// Package rowstore defines the shared row store the mat clients write to and
// the change feed they reconcile from.
//
// A Store is the client-side contract: plain CRUD over the rooms and players
// tables plus a per-room subscription. Backends (memory, postgres, remote)
// all satisfy it, and every successful write is broadcast to every subscriber
// of the row's room, the writer included.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateRoom  = errors.New("room code already exists")
	ErrClosed         = errors.New("subscription closed")
	ErrSlowSubscriber = errors.New("subscriber fell behind")
	ErrMalformedEvent = errors.New("malformed change event")
	ErrInvalidRow     = errors.New("invalid player row")
)

// EventKind is the change type carried on the feed.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is one change notification. Insert and update carry the full new row
// image; delete carries the old one, which may hold only the id.
type Event struct {
	Kind EventKind    `json:"type"`
	Old  *game.Player `json:"old"`
	New  *game.Player `json:"new"`
}

// InsertEvent builds an insert notification for p.
func InsertEvent(p game.Player) Event {
	return Event{Kind: EventInsert, New: &p}
}

// UpdateEvent builds an update notification from the row images.
func UpdateEvent(old, updated game.Player) Event {
	return Event{Kind: EventUpdate, Old: &old, New: &updated}
}

// DeleteEvent builds a delete notification for p.
func DeleteEvent(p game.Player) Event {
	return Event{Kind: EventDelete, Old: &p}
}

// RowID returns the id of the row the event concerns.
func (e Event) RowID() string {
	if e.New != nil && e.New.ID != "" {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// Validate checks that the event is usable for a replica of room. Stat values
// are not range checked.
func (e Event) Validate(room string) error {
	switch e.Kind {
	case EventInsert, EventUpdate:
		if e.New == nil {
			return fmt.Errorf("%w: %s without new row", ErrMalformedEvent, e.Kind)
		}
		if err := e.New.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if e.New.RoomCode != room {
			return fmt.Errorf("%w: row for room %q on feed %q", ErrMalformedEvent, e.New.RoomCode, room)
		}
	case EventDelete:
		if e.Old == nil || e.Old.ID == "" {
			return fmt.Errorf("%w: delete without old row id", ErrMalformedEvent)
		}
		if e.Old.RoomCode != "" && e.Old.RoomCode != room {
			return fmt.Errorf("%w: row for room %q on feed %q", ErrMalformedEvent, e.Old.RoomCode, room)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// PlayerFilter narrows QueryPlayers. Empty fields match everything.
type PlayerFilter struct {
	RoomCode   string
	PlayerID   string
	ActiveOnly bool
}

// Match reports whether p passes the filter.
func (f PlayerFilter) Match(p game.Player) bool {
	if f.RoomCode != "" && p.RoomCode != f.RoomCode {
		return false
	}
	if f.PlayerID != "" && p.PlayerID != f.PlayerID {
		return false
	}
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	return true
}

// Store is what a mat client needs from the row store.
type Store interface {
	InsertRoom(ctx context.Context, code string) (game.Room, error)
	GetRoom(ctx context.Context, code string) (game.Room, error)
	InsertPlayer(ctx context.Context, p game.Player) (game.Player, error)
	UpdatePlayer(ctx context.Context, id string, u game.PlayerUpdate) (game.Player, error)
	// QueryPlayers returns matching rows ordered by created_at, then id.
	QueryPlayers(ctx context.Context, f PlayerFilter) ([]game.Player, error)
	Subscribe(ctx context.Context, room string) (Subscription, error)
}

// Backend is a Store the server owns outright. It adds the maintenance
// operations that clients never call.
type Backend interface {
	Store
	DeactivateRoom(ctx context.Context, code string) error
	DeletePlayer(ctx context.Context, id string) error
	// StaleRooms lists active rooms created before cutoff with no active
	// player updated since.
	StaleRooms(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Subscription is a live change feed for one room. Events for one row arrive
// in write order. Done is closed when the feed ends, after which Err reports
// why. Events is never closed.
type Subscription interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
}
