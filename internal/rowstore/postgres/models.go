package postgres

import (
	"time"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
)

type roomModel struct {
	Code      string    `gorm:"column:room_code;primaryKey;size:4"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (roomModel) TableName() string { return "rooms" }

type playerModel struct {
	ID            string    `gorm:"column:id;primaryKey;type:uuid"`
	RoomCode      string    `gorm:"column:room_code;size:4;not null;index:idx_players_room_created,priority:1"`
	PlayerID      string    `gorm:"column:player_id;not null;index"`
	MonsterID     string    `gorm:"column:monster_id"`
	MonsterName   string    `gorm:"column:monster_name"`
	MonsterEmoji  string    `gorm:"column:monster_emoji"`
	MonsterColor  string    `gorm:"column:monster_color"`
	Health        int       `gorm:"column:health;not null"`
	MaxHealth     int       `gorm:"column:max_health;not null;default:10"`
	VictoryPoints int       `gorm:"column:victory_points;not null;default:0"`
	Energy        int       `gorm:"column:energy;not null;default:0"`
	InTokyo       bool      `gorm:"column:in_tokyo;not null;default:false"`
	IsActive      bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_players_room_created,priority:2"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (playerModel) TableName() string { return "players" }

func toRoom(m roomModel) game.Room {
	return game.Room{Code: m.Code, IsActive: m.IsActive, CreatedAt: m.CreatedAt.UTC()}
}

func toPlayer(m playerModel) game.Player {
	return game.Player{
		ID:            m.ID,
		RoomCode:      m.RoomCode,
		PlayerID:      m.PlayerID,
		MonsterID:     m.MonsterID,
		MonsterName:   m.MonsterName,
		MonsterEmoji:  m.MonsterEmoji,
		MonsterColor:  m.MonsterColor,
		Health:        m.Health,
		MaxHealth:     m.MaxHealth,
		VictoryPoints: m.VictoryPoints,
		Energy:        m.Energy,
		InTokyo:       m.InTokyo,
		IsActive:      m.IsActive,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func fromPlayer(p game.Player) playerModel {
	return playerModel{
		ID:            p.ID,
		RoomCode:      p.RoomCode,
		PlayerID:      p.PlayerID,
		MonsterID:     p.MonsterID,
		MonsterName:   p.MonsterName,
		MonsterEmoji:  p.MonsterEmoji,
		MonsterColor:  p.MonsterColor,
		Health:        p.Health,
		MaxHealth:     p.MaxHealth,
		VictoryPoints: p.VictoryPoints,
		Energy:        p.Energy,
		InTokyo:       p.InTokyo,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
