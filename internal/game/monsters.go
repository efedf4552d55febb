package game

// Monster is an entry of the fixed monster catalog.
type Monster struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
	Color string `json:"color"`
}

// Catalog lists every selectable monster in display order.
var Catalog = []Monster{
	{ID: "gigazaur", Name: "Gigazaur", Emoji: "🦖", Color: "#2ecc71"},
	{ID: "the-king", Name: "The King", Emoji: "🦍", Color: "#9b59b6"},
	{ID: "meka-dragon", Name: "Meka Dragon", Emoji: "🐉", Color: "#e74c3c"},
	{ID: "kraken", Name: "Kraken", Emoji: "🐙", Color: "#3498db"},
	{ID: "cyber-bunny", Name: "Cyber Bunny", Emoji: "🐰", Color: "#ff69b4"},
	{ID: "alienoid", Name: "Alienoid", Emoji: "👽", Color: "#1abc9c"},
}

// LookupMonster returns the catalog entry with the given id.
func LookupMonster(id string) (Monster, bool) {
	for _, m := range Catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Monster{}, false
}

// AvailableMonsters returns the catalog minus monsters held by active players
// other than self. A monster held by self stays selectable so re-picking it
// resets the mat.
func AvailableMonsters(players []Player, self string) []Monster {
	taken := make(map[string]bool, len(players))
	for _, p := range players {
		if p.IsActive && p.PlayerID != self {
			taken[p.MonsterID] = true
		}
	}

	available := make([]Monster, 0, len(Catalog))
	for _, m := range Catalog {
		if !taken[m.ID] {
			available = append(available, m)
		}
	}
	return available
}

// MonsterTaken reports whether an active player other than self holds the monster.
func MonsterTaken(players []Player, monsterID, self string) bool {
	for _, p := range players {
		if p.IsActive && p.PlayerID != self && p.MonsterID == monsterID {
			return true
		}
	}
	return false
}
