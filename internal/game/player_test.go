package game

import (
	"math/rand"
	"testing"
)

// TestOutcome tests victory and defeat observations
func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		health int
		vp     int
		want   Outcome
	}{
		{"fresh", 10, 0, OutcomePlaying},
		{"dead with max vp", 0, 20, OutcomeDefeated},
		{"dead", 0, 3, OutcomeDefeated},
		{"won with low health", 3, 20, OutcomeVictorious},
		{"one short", 3, 19, OutcomePlaying},
		{"overdrawn health", -1, 25, OutcomeDefeated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Player{Health: tt.health, MaxHealth: 10, VictoryPoints: tt.vp}
			if got := p.Outcome(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

// TestNewPlayer tests row defaults for a monster selection
func TestNewPlayer(t *testing.T) {
	m, ok := LookupMonster("gigazaur")
	if !ok {
		t.Fatal("gigazaur missing from catalog")
	}
	p := NewPlayer("4321", "player_x", m)

	if p.Health != 10 || p.MaxHealth != 10 {
		t.Errorf("Expected 10/10 health, got %d/%d", p.Health, p.MaxHealth)
	}
	if !p.IsActive || p.InTokyo {
		t.Errorf("Expected active and outside Tokyo")
	}
	if p.Monster() != m {
		t.Errorf("Expected monster %+v, got %+v", m, p.Monster())
	}
	if p.Label() != "Gigazaur" {
		t.Errorf("Expected label Gigazaur, got %s", p.Label())
	}
}

// TestValidate tests structural row validation
func TestValidate(t *testing.T) {
	ok := Player{ID: "r1", RoomCode: "1234", PlayerID: "p", MaxHealth: 10}
	if err := ok.Validate(); err != nil {
		t.Errorf("Expected valid row, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Player)
		want   error
	}{
		{"no id", func(p *Player) { p.ID = "" }, ErrMissingRowID},
		{"no room", func(p *Player) { p.RoomCode = "" }, ErrMissingRoomCode},
		{"no player", func(p *Player) { p.PlayerID = "" }, ErrMissingPlayerID},
		{"zero max", func(p *Player) { p.MaxHealth = 0 }, ErrInvalidMaxHealth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok
			tt.mutate(&p)
			if err := p.Validate(); err != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestPlayerUpdateColumns tests column mapping of partial updates
func TestPlayerUpdateColumns(t *testing.T) {
	var empty PlayerUpdate
	if !empty.IsEmpty() || len(empty.Columns()) != 0 {
		t.Error("Zero update should be empty")
	}

	m, _ := LookupMonster("alienoid")
	cols := PlayerUpdate{InTokyo: Bool(false), Monster: &m}.Columns()
	if cols["in_tokyo"] != false {
		t.Errorf("Expected in_tokyo=false, got %v", cols["in_tokyo"])
	}
	if cols["monster_id"] != "alienoid" || cols["monster_color"] != "#1abc9c" {
		t.Errorf("Monster columns missing: %v", cols)
	}
	if _, ok := cols["health"]; ok {
		t.Error("Untouched fields must not appear")
	}
}

// TestAvailableMonsters tests that taken monsters are hidden from others
func TestAvailableMonsters(t *testing.T) {
	players := []Player{
		{PlayerID: "me", MonsterID: "kraken", IsActive: true},
		{PlayerID: "you", MonsterID: "gigazaur", IsActive: true},
		{PlayerID: "gone", MonsterID: "alienoid", IsActive: false},
	}

	available := AvailableMonsters(players, "me")
	ids := make(map[string]bool)
	for _, m := range available {
		ids[m.ID] = true
	}

	if ids["gigazaur"] {
		t.Error("gigazaur is held by another active player")
	}
	if !ids["kraken"] {
		t.Error("own monster should stay selectable")
	}
	if !ids["alienoid"] {
		t.Error("monster of an inactive player should be free")
	}
	if len(available) != len(Catalog)-1 {
		t.Errorf("Expected %d monsters, got %d", len(Catalog)-1, len(available))
	}

	if !MonsterTaken(players, "gigazaur", "me") || MonsterTaken(players, "kraken", "me") {
		t.Error("MonsterTaken disagrees with AvailableMonsters")
	}
}

// TestRoomCodes tests code validation and generation
func TestRoomCodes(t *testing.T) {
	for _, code := range []string{"1234", "0000", "9999"} {
		if !ValidRoomCode(code) {
			t.Errorf("%q should be valid", code)
		}
	}
	for _, code := range []string{"", "123", "12345", "12a4", "１２３４"} {
		if ValidRoomCode(code) {
			t.Errorf("%q should be invalid", code)
		}
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		code := GenerateRoomCode(rng)
		if !ValidRoomCode(code) || code[0] == '0' {
			t.Fatalf("generated bad code %q", code)
		}
	}
}
