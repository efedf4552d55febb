// Package janitor deactivates rooms nobody has touched for a while.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

const (
	DefaultSchedule = "@every 1h"
	DefaultIdleTTL  = 24 * time.Hour
	// runTimeout bounds one sweep so a hung store cannot pile up jobs.
	runTimeout = 5 * time.Minute
)

// Store is the slice of the backend the janitor needs.
type Store interface {
	StaleRooms(ctx context.Context, cutoff time.Time) ([]string, error)
	DeactivateRoom(ctx context.Context, code string) error
}

var _ Store = (rowstore.Backend)(nil)

// Config configures a Janitor.
type Config struct {
	Schedule string
	IdleTTL  time.Duration
}

// Janitor runs the stale room sweep on a cron schedule.
type Janitor struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	cron *cron.Cron
	mu   sync.Mutex // one sweep at a time
}

// New creates a janitor. Nothing runs until Start.
func New(store Store, cfg Config, logger *zap.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	return &Janitor{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the sweep. It fails on an unparseable schedule.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, j.runScheduled); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	j.cron = c
	c.Start()
	j.logger.Info("Room janitor started",
		zap.String("schedule", j.cfg.Schedule),
		zap.Duration("idle_ttl", j.cfg.IdleTTL))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("Room sweep failed", zap.Error(err))
	}
}

// RunOnce deactivates every stale room and returns their codes. A failure
// on one room is logged and the sweep carries on.
func (j *Janitor) RunOnce(ctx context.Context) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().Add(-j.cfg.IdleTTL)
	stale, err := j.store.StaleRooms(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale rooms: %w", err)
	}

	var closed []string
	for _, code := range stale {
		if err := j.store.DeactivateRoom(ctx, code); err != nil {
			if ctx.Err() != nil {
				return closed, ctx.Err()
			}
			j.logger.Warn("Failed to deactivate room", zap.String("room", code), zap.Error(err))
			continue
		}
		closed = append(closed, code)
	}

	j.logger.Info("Room sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int("stale", len(stale)),
		zap.Int("deactivated", len(closed)))
	return closed, nil
}
