package game

import (
	"errors"
	"time"
)

// Stat bounds shared by every writer. Health is bounded by the row's own
// MaxHealth; energy has no upper bound.
const (
	DefaultMaxHealth = 10
	MaxVictoryPoints = 20
)

// Player is one participant's row in a room. Field names on the wire follow
// the players table columns.
type Player struct {
	ID            string    `json:"id"`
	RoomCode      string    `json:"room_code"`
	PlayerID      string    `json:"player_id"`
	MonsterID     string    `json:"monster_id"`
	MonsterName   string    `json:"monster_name"`
	MonsterEmoji  string    `json:"monster_emoji"`
	MonsterColor  string    `json:"monster_color"`
	Health        int       `json:"health"`
	MaxHealth     int       `json:"max_health"`
	VictoryPoints int       `json:"victory_points"`
	Energy        int       `json:"energy"`
	InTokyo       bool      `json:"in_tokyo"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	ErrMissingRowID     = errors.New("player row has no id")
	ErrMissingRoomCode  = errors.New("player row has no room code")
	ErrMissingPlayerID  = errors.New("player row has no player id")
	ErrInvalidMaxHealth = errors.New("player row has non-positive max health")
)

// NewPlayer builds a fresh row for a monster selection. The store assigns ID
// and timestamps on insert.
func NewPlayer(roomCode, playerID string, m Monster) Player {
	return Player{
		RoomCode:      roomCode,
		PlayerID:      playerID,
		MonsterID:     m.ID,
		MonsterName:   m.Name,
		MonsterEmoji:  m.Emoji,
		MonsterColor:  m.Color,
		Health:        DefaultMaxHealth,
		MaxHealth:     DefaultMaxHealth,
		VictoryPoints: 0,
		Energy:        0,
		InTokyo:       false,
		IsActive:      true,
	}
}

// Monster returns the monster identity stored on the row.
func (p Player) Monster() Monster {
	return Monster{ID: p.MonsterID, Name: p.MonsterName, Emoji: p.MonsterEmoji, Color: p.MonsterColor}
}

// Label is the name used in attack notices.
func (p Player) Label() string {
	if p.MonsterName != "" {
		return p.MonsterName
	}
	return p.PlayerID
}

// Validate checks the structural fields a row image must carry. Stat values
// are not checked: concurrent writers may race past a clamp and the row is
// still usable.
func (p Player) Validate() error {
	switch {
	case p.ID == "":
		return ErrMissingRowID
	case p.RoomCode == "":
		return ErrMissingRoomCode
	case p.PlayerID == "":
		return ErrMissingPlayerID
	case p.MaxHealth <= 0:
		return ErrInvalidMaxHealth
	}
	return nil
}

// Outcome is an observation over a row, never stored.
type Outcome int

const (
	OutcomePlaying Outcome = iota
	OutcomeVictorious
	OutcomeDefeated
)

// String returns a human-readable outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeVictorious:
		return "victorious"
	case OutcomeDefeated:
		return "defeated"
	default:
		return "playing"
	}
}

// IsDefeated reports health at or below zero, regardless of victory points.
func (p Player) IsDefeated() bool {
	return p.Health <= 0
}

// IsVictorious reports a living player at the victory point cap.
func (p Player) IsVictorious() bool {
	return p.VictoryPoints >= MaxVictoryPoints && p.Health > 0
}

// Outcome classifies the row. Defeat wins over victory.
func (p Player) Outcome() Outcome {
	switch {
	case p.IsDefeated():
		return OutcomeDefeated
	case p.IsVictorious():
		return OutcomeVictorious
	default:
		return OutcomePlaying
	}
}

// PlayerUpdate is a partial row update. Nil fields are left untouched, which
// keeps concurrent writers to different fields of one row from clobbering
// each other.
type PlayerUpdate struct {
	Health        *int     `json:"health,omitempty"`
	MaxHealth     *int     `json:"max_health,omitempty"`
	VictoryPoints *int     `json:"victory_points,omitempty"`
	Energy        *int     `json:"energy,omitempty"`
	InTokyo       *bool    `json:"in_tokyo,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
	Monster       *Monster `json:"monster,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u PlayerUpdate) IsEmpty() bool {
	return u.Health == nil && u.MaxHealth == nil && u.VictoryPoints == nil &&
		u.Energy == nil && u.InTokyo == nil && u.IsActive == nil && u.Monster == nil
}

// ApplyTo returns p with the update's fields written over it.
func (u PlayerUpdate) ApplyTo(p Player) Player {
	if u.Health != nil {
		p.Health = *u.Health
	}
	if u.MaxHealth != nil {
		p.MaxHealth = *u.MaxHealth
	}
	if u.VictoryPoints != nil {
		p.VictoryPoints = *u.VictoryPoints
	}
	if u.Energy != nil {
		p.Energy = *u.Energy
	}
	if u.InTokyo != nil {
		p.InTokyo = *u.InTokyo
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	if u.Monster != nil {
		p.MonsterID = u.Monster.ID
		p.MonsterName = u.Monster.Name
		p.MonsterEmoji = u.Monster.Emoji
		p.MonsterColor = u.Monster.Color
	}
	return p
}

// Columns maps the update onto players table column names.
func (u PlayerUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Health != nil {
		cols["health"] = *u.Health
	}
	if u.MaxHealth != nil {
		cols["max_health"] = *u.MaxHealth
	}
	if u.VictoryPoints != nil {
		cols["victory_points"] = *u.VictoryPoints
	}
	if u.Energy != nil {
		cols["energy"] = *u.Energy
	}
	if u.InTokyo != nil {
		cols["in_tokyo"] = *u.InTokyo
	}
	if u.IsActive != nil {
		cols["is_active"] = *u.IsActive
	}
	if u.Monster != nil {
		cols["monster_id"] = u.Monster.ID
		cols["monster_name"] = u.Monster.Name
		cols["monster_emoji"] = u.Monster.Emoji
		cols["monster_color"] = u.Monster.Color
	}
	return cols
}

// Int and Bool return pointers for building updates inline.
func Int(v int) *int    { return &v }
func Bool(v bool) *bool { return &v }
