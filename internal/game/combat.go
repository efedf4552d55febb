package game

import (
	"errors"
	"time"
)

// NoticeTTL is how long an attack notice stays visible.
const NoticeTTL = 3 * time.Second

// Mutation is a single row update produced by the rules. RowID is the
// store-assigned id of the row to write.
type Mutation struct {
	RowID  string
	Update PlayerUpdate
}

// AttackNotice is transient UI feedback for a resolved attack. It is never
// written to the row store.
type AttackNotice struct {
	Attacker string
	Targets  []string
	Damage   int
	At       time.Time
}

// Expired reports whether the notice has outlived NoticeTTL at now.
func (n *AttackNotice) Expired(now time.Time) bool {
	return n == nil || !now.Before(n.At.Add(NoticeTTL))
}

// Stat selects the field a stat edit applies to.
type Stat int

const (
	StatHealth Stat = iota
	StatVictoryPoints
	StatEnergy
)

// String returns the column-style stat name
func (s Stat) String() string {
	switch s {
	case StatHealth:
		return "health"
	case StatVictoryPoints:
		return "victory_points"
	case StatEnergy:
		return "energy"
	default:
		return "unknown"
	}
}

var ErrUnknownStat = errors.New("unknown stat")

// AttackTargets returns the rows an attack by actor would hit, in replica
// order. From inside Tokyo every living active player outside Tokyo is hit;
// from outside, only the living active occupant.
func AttackTargets(players []Player, actor Player) []Player {
	var targets []Player
	for _, p := range players {
		if p.ID == actor.ID || !p.IsActive || p.Health <= 0 {
			continue
		}
		if actor.InTokyo {
			if !p.InTokyo {
				targets = append(targets, p)
			}
			continue
		}
		if p.InTokyo {
			return []Player{p}
		}
	}
	return targets
}

// CanAttack reports whether actor has at least one eligible target.
func CanAttack(players []Player, actor Player) bool {
	return len(AttackTargets(players, actor)) > 0
}

// Attack resolves damage against actor's targets. With no targets or
// non-positive damage it returns no mutations and a nil notice.
func Attack(players []Player, actor Player, damage int, now time.Time) ([]Mutation, *AttackNotice) {
	if damage <= 0 {
		return nil, nil
	}
	targets := AttackTargets(players, actor)
	if len(targets) == 0 {
		return nil, nil
	}

	mutations := make([]Mutation, 0, len(targets))
	labels := make([]string, 0, len(targets))
	for _, t := range targets {
		health := t.Health - damage
		if health < 0 {
			health = 0
		}
		mutations = append(mutations, Mutation{RowID: t.ID, Update: PlayerUpdate{Health: Int(health)}})
		labels = append(labels, t.Label())
	}

	return mutations, &AttackNotice{
		Attacker: actor.Label(),
		Targets:  labels,
		Damage:   damage,
		At:       now,
	}
}

// EnterTokyo moves actor into Tokyo. Every other active occupant observed in
// players is evicted first, then actor takes the city and gains a victory
// point.
//
// The mutations are independent writes, not a transaction. Two clients
// entering in the same instant can both hold Tokyo until the feed settles on
// whichever write the store applied last. A conditional write on an occupancy
// version column would close that window; it is not done here.
func EnterTokyo(players []Player, actor Player) []Mutation {
	return append(EvictOccupants(players, actor), Mutation{
		RowID: actor.ID,
		Update: PlayerUpdate{
			InTokyo:       Bool(true),
			VictoryPoints: Int(ClampVictoryPoints(actor.VictoryPoints + 1)),
		},
	})
}

// EvictOccupants clears in_tokyo on every active occupant in players other
// than actor. An actor already in Tokyo uses it alone to heal a double
// occupancy left by racing entries.
func EvictOccupants(players []Player, actor Player) []Mutation {
	var mutations []Mutation
	for _, p := range players {
		if p.ID != actor.ID && p.IsActive && p.InTokyo {
			mutations = append(mutations, Mutation{RowID: p.ID, Update: PlayerUpdate{InTokyo: Bool(false)}})
		}
	}
	return mutations
}

// LeaveTokyo clears actor's occupancy without touching victory points.
func LeaveTokyo(actor Player) Mutation {
	return Mutation{RowID: actor.ID, Update: PlayerUpdate{InTokyo: Bool(false)}}
}

// AdjustStat applies delta to one field of actor's own row, clamped to the
// field's range.
func AdjustStat(actor Player, stat Stat, delta int) (Mutation, error) {
	var u PlayerUpdate
	switch stat {
	case StatHealth:
		u.Health = Int(ClampHealth(actor.Health+delta, actor.MaxHealth))
	case StatVictoryPoints:
		u.VictoryPoints = Int(ClampVictoryPoints(actor.VictoryPoints + delta))
	case StatEnergy:
		u.Energy = Int(ClampEnergy(actor.Energy + delta))
	default:
		return Mutation{}, ErrUnknownStat
	}
	return Mutation{RowID: actor.ID, Update: u}, nil
}

// ResetForMonster is the update written when a returning player re-selects:
// fresh stats, out of Tokyo, active again.
func ResetForMonster(m Monster) PlayerUpdate {
	return PlayerUpdate{
		Monster:       &m,
		Health:        Int(DefaultMaxHealth),
		MaxHealth:     Int(DefaultMaxHealth),
		VictoryPoints: Int(0),
		Energy:        Int(0),
		InTokyo:       Bool(false),
		IsActive:      Bool(true),
	}
}

// Occupants returns the active rows currently marked in Tokyo.
func Occupants(players []Player) []Player {
	var out []Player
	for _, p := range players {
		if p.IsActive && p.InTokyo {
			out = append(out, p)
		}
	}
	return out
}

func ClampHealth(v, maxHealth int) int {
	if maxHealth <= 0 {
		maxHealth = DefaultMaxHealth
	}
	return clamp(v, 0, maxHealth)
}

func ClampVictoryPoints(v int) int {
	return clamp(v, 0, MaxVictoryPoints)
}

func ClampEnergy(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
