// Package postgres is the PostgreSQL row store. Writes go through gorm and
// each committed row image is published to a rowstore.Broker, which is where
// subscribers get their change feed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// Options configures the connection.
type Options struct {
	DSN           string
	MaxRetries    int
	RetryInterval time.Duration
}

// Store is a rowstore.Backend on PostgreSQL.
type Store struct {
	db     *gorm.DB
	broker rowstore.Broker
	logger *zap.Logger

	// writeMu keeps commit order and publish order the same for this process.
	writeMu sync.Mutex
}

// Open connects with retries, migrates the schema and returns a store that
// publishes through broker.
func Open(ctx context.Context, opts Options, broker rowstore.Broker, logger *zap.Logger) (*Store, error) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i <= opts.MaxRetries; i++ {
		db, err = gorm.Open(pgdriver.Open(opts.DSN), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			break
		}
		logger.Warn("Database connection failed, retrying", zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := New(db, broker, logger)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	logger.Info("Connected to PostgreSQL")
	return s, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB, broker rowstore.Broker, logger *zap.Logger) *Store {
	return &Store{db: db, broker: broker, logger: logger}
}

// Migrate creates or updates the rooms and players tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&roomModel{}, &playerModel{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// now matches the column precision so fetched and published images agree.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Store) InsertRoom(ctx context.Context, code string) (game.Room, error) {
	m := roomModel{Code: code, IsActive: true, CreatedAt: now()}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return game.Room{}, rowstore.ErrDuplicateRoom
		}
		return game.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return toRoom(m), nil
}

func (s *Store) GetRoom(ctx context.Context, code string) (game.Room, error) {
	var m roomModel
	err := s.db.WithContext(ctx).Where("room_code = ?", code).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return game.Room{}, rowstore.ErrNotFound
	}
	if err != nil {
		return game.Room{}, fmt.Errorf("get room: %w", err)
	}
	return toRoom(m), nil
}

func (s *Store) DeactivateRoom(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Model(&roomModel{}).Where("room_code = ?", code).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate room: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return rowstore.ErrNotFound
	}
	return nil
}

func (s *Store) InsertPlayer(ctx context.Context, p game.Player) (game.Player, error) {
	p.ID = uuid.NewString()
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	if err := p.Validate(); err != nil {
		return game.Player{}, fmt.Errorf("%w: %v", rowstore.ErrInvalidRow, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m := fromPlayer(p)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return game.Player{}, fmt.Errorf("insert player: %w", err)
	}
	inserted := toPlayer(m)
	s.publish(ctx, inserted.RoomCode, rowstore.InsertEvent(inserted))
	return inserted, nil
}

func (s *Store) UpdatePlayer(ctx context.Context, id string, u game.PlayerUpdate) (game.Player, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var old, updated playerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&old).Error; err != nil {
			return err
		}
		if u.IsEmpty() {
			updated = old
			return nil
		}

		next := u.ApplyTo(toPlayer(old))
		if err := next.Validate(); err != nil {
			return fmt.Errorf("%w: %v", rowstore.ErrInvalidRow, err)
		}

		cols := u.Columns()
		cols["updated_at"] = now()
		if err := tx.Model(&playerModel{}).Where("id = ?", id).Updates(cols).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Take(&updated).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return game.Player{}, rowstore.ErrNotFound
	}
	if errors.Is(err, rowstore.ErrInvalidRow) {
		return game.Player{}, err
	}
	if err != nil {
		return game.Player{}, fmt.Errorf("update player: %w", err)
	}

	if u.IsEmpty() {
		return toPlayer(updated), nil
	}
	before, after := toPlayer(old), toPlayer(updated)
	s.publish(ctx, after.RoomCode, rowstore.UpdateEvent(before, after))
	return after, nil
}

func (s *Store) DeletePlayer(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var old playerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&old).Error; err != nil {
			return err
		}
		return tx.Delete(&playerModel{}, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rowstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete player: %w", err)
	}

	p := toPlayer(old)
	s.publish(ctx, p.RoomCode, rowstore.DeleteEvent(p))
	return nil
}

func (s *Store) QueryPlayers(ctx context.Context, f rowstore.PlayerFilter) ([]game.Player, error) {
	q := s.db.WithContext(ctx).Model(&playerModel{})
	if f.RoomCode != "" {
		q = q.Where("room_code = ?", f.RoomCode)
	}
	if f.PlayerID != "" {
		q = q.Where("player_id = ?", f.PlayerID)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var rows []playerModel
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}

	out := make([]game.Player, len(rows))
	for i, m := range rows {
		out[i] = toPlayer(m)
	}
	return out, nil
}

func (s *Store) StaleRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	var codes []string
	err := s.db.WithContext(ctx).Model(&roomModel{}).
		Where("is_active = ? AND created_at < ?", true, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM players p WHERE p.room_code = rooms.room_code AND p.is_active AND p.updated_at >= ?)", cutoff).
		Order("room_code").
		Pluck("room_code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("stale rooms: %w", err)
	}
	return codes, nil
}

func (s *Store) Subscribe(ctx context.Context, room string) (rowstore.Subscription, error) {
	return s.broker.Subscribe(ctx, room)
}

// publish reports broker failures without failing the committed write.
// Subscribers that miss the event recover on their next full fetch.
func (s *Store) publish(ctx context.Context, room string, ev rowstore.Event) {
	if err := s.broker.Publish(ctx, room, ev); err != nil {
		s.logger.Warn("Change event not published",
			zap.String("room", room),
			zap.String("type", string(ev.Kind)),
			zap.String("row", ev.RowID()),
			zap.Error(err))
	}
}

// isDuplicate reports a unique violation (SQLSTATE 23505).
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
