// Package dispatch turns player intents into row store writes.
//
// The Dispatcher owns the client's room session: the replica, the reconciler
// feeding it, and the last attack notice. Every command validates against the
// replica first and fails with a sentinel error, without touching the store,
// when it cannot apply. Accepted commands write the rules engine's mutations
// straight to the store; their effect shows up in the replica when the change
// feed echoes them back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/feed"
	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/identity"
	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// MaxCreateAttempts bounds room code regeneration on collisions.
const MaxCreateAttempts = 10

var (
	ErrNoRoom            = errors.New("not in a room")
	ErrNoPlayer          = errors.New("no monster selected")
	ErrNoTarget          = errors.New("no one to attack")
	ErrInvalidDamage     = errors.New("damage must be positive")
	ErrInvalidRoomCode   = errors.New("room code must be 4 digits")
	ErrRoomNotFound      = errors.New("room not found")
	ErrMonsterTaken      = errors.New("monster already taken")
	ErrUnknownMonster    = errors.New("unknown monster")
	ErrAlreadyInTokyo    = errors.New("already in Tokyo")
	ErrRoomCodeExhausted = errors.New("no free room code")
)

// Options tune a Dispatcher. Zero values pick sensible defaults.
type Options struct {
	Logger   *zap.Logger
	Clock    func() time.Time
	Rand     *rand.Rand
	Feed     feed.Options
	OnChange func(*replica.Snapshot)
}

// Dispatcher is one client's command surface. Methods are safe for
// concurrent use.
type Dispatcher struct {
	store    rowstore.Store
	identity identity.Provider
	logger   *zap.Logger
	now      func() time.Time
	feedOpts feed.Options
	onChange func(*replica.Snapshot)

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.Mutex
	room       string
	session    *feed.Reconciler
	lastAttack *game.AttackNotice
}

// New creates a dispatcher writing to store as the identity from id.
func New(store rowstore.Store, id identity.Provider, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Dispatcher{
		store:    store,
		identity: id,
		logger:   opts.Logger,
		now:      opts.Clock,
		rng:      opts.Rand,
		feedOpts: opts.Feed,
		onChange: opts.OnChange,
	}
}

// CreateRoom allocates a fresh room code, retrying on collisions, and
// enters the room.
func (d *Dispatcher) CreateRoom(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= MaxCreateAttempts; attempt++ {
		d.rngMu.Lock()
		code := game.GenerateRoomCode(d.rng)
		d.rngMu.Unlock()

		_, err := d.store.InsertRoom(ctx, code)
		if errors.Is(err, rowstore.ErrDuplicateRoom) {
			d.logger.Debug("Room code taken, regenerating", zap.String("room", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}

		if err := d.enterRoom(ctx, code); err != nil {
			return "", err
		}
		d.logger.Info("Room created", zap.String("room", code))
		return code, nil
	}
	return "", ErrRoomCodeExhausted
}

// JoinRoom enters an existing active room. A missing or inactive room
// leaves the dispatcher as it was.
func (d *Dispatcher) JoinRoom(ctx context.Context, code string) error {
	if !game.ValidRoomCode(code) {
		return ErrInvalidRoomCode
	}

	room, err := d.store.GetRoom(ctx, code)
	if errors.Is(err, rowstore.ErrNotFound) || (err == nil && !room.IsActive) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	if err := d.enterRoom(ctx, code); err != nil {
		return err
	}
	d.logger.Info("Joined room", zap.String("room", code))
	return nil
}

// enterRoom swaps in a new session for code and waits for its first sync.
func (d *Dispatcher) enterRoom(ctx context.Context, code string) error {
	// The reconciler tags its own lines with the room.
	rec := feed.NewReconciler(d.store, replica.New(), d.logger, d.feedOpts)
	if d.onChange != nil {
		rec.OnChange(d.onChange)
	}

	d.mu.Lock()
	old := d.session
	d.room, d.session, d.lastAttack = code, rec, nil
	d.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	// The session outlives the call that opened it.
	if err := rec.Start(context.Background(), code); err != nil {
		return err
	}
	if err := rec.WaitSynced(ctx); err != nil {
		d.teardown(rec)
		return fmt.Errorf("sync room %s: %w", code, err)
	}
	return nil
}

// LeaveRoom soft-deletes the caller's row, if any, and drops the session.
// The session is dropped even if the write fails.
func (d *Dispatcher) LeaveRoom(ctx context.Context) error {
	d.mu.Lock()
	rec := d.session
	d.mu.Unlock()
	if rec == nil {
		return ErrNoRoom
	}

	var err error
	if me, ok := d.currentPlayer(rec); ok {
		_, err = d.store.UpdatePlayer(ctx, me.ID, game.PlayerUpdate{IsActive: game.Bool(false)})
		if err != nil {
			err = fmt.Errorf("leave room: %w", err)
		}
	}

	d.teardown(rec)
	return err
}

// teardown stops rec and clears the session if it is still the current one.
func (d *Dispatcher) teardown(rec *feed.Reconciler) {
	d.mu.Lock()
	if d.session == rec {
		d.room, d.session, d.lastAttack = "", nil, nil
	}
	d.mu.Unlock()
	rec.Stop()
}

// Close leaves the session without writing anything.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	rec := d.session
	d.mu.Unlock()
	if rec != nil {
		d.teardown(rec)
	}
}

// SelectMonster picks or re-picks the caller's monster. A returning player
// gets their old row back, reset; a new player gets a new row. The replica
// is refreshed before returning.
func (d *Dispatcher) SelectMonster(ctx context.Context, monsterID string) (game.Player, error) {
	rec, err := d.activeSession()
	if err != nil {
		return game.Player{}, err
	}
	monster, ok := game.LookupMonster(monsterID)
	if !ok {
		return game.Player{}, ErrUnknownMonster
	}
	me, err := d.identity.PlayerID()
	if err != nil {
		return game.Player{}, fmt.Errorf("identity: %w", err)
	}
	room := rec.Replica().Room()
	if game.MonsterTaken(rec.Replica().ActivePlayers(), monster.ID, me) {
		return game.Player{}, ErrMonsterTaken
	}

	existing, err := d.store.QueryPlayers(ctx, rowstore.PlayerFilter{RoomCode: room, PlayerID: me})
	if err != nil {
		return game.Player{}, fmt.Errorf("select monster: %w", err)
	}

	var row game.Player
	if len(existing) > 0 {
		row, err = d.store.UpdatePlayer(ctx, existing[0].ID, game.ResetForMonster(monster))
	} else {
		row, err = d.store.InsertPlayer(ctx, game.NewPlayer(room, me, monster))
	}
	if err != nil {
		return game.Player{}, fmt.Errorf("select monster: %w", err)
	}

	if err := rec.Resync(ctx); err != nil {
		return row, fmt.Errorf("refresh after select: %w", err)
	}
	d.logger.Info("Monster selected", zap.String("monster", monster.ID), zap.String("row", row.ID))
	return row, nil
}

// AdjustStat applies a bounded delta to one of the caller's own stats.
func (d *Dispatcher) AdjustStat(ctx context.Context, stat game.Stat, delta int) error {
	_, me, err := d.actor()
	if err != nil {
		return err
	}
	m, err := game.AdjustStat(me, stat, delta)
	if err != nil {
		return err
	}
	return d.write(ctx, m)
}

func (d *Dispatcher) AdjustHealth(ctx context.Context, delta int) error {
	return d.AdjustStat(ctx, game.StatHealth, delta)
}

func (d *Dispatcher) AdjustVictoryPoints(ctx context.Context, delta int) error {
	return d.AdjustStat(ctx, game.StatVictoryPoints, delta)
}

func (d *Dispatcher) AdjustEnergy(ctx context.Context, delta int) error {
	return d.AdjustStat(ctx, game.StatEnergy, delta)
}

// Attack deals damage by the Tokyo rules and returns the notice. Targets are
// written one at a time; a failure stops at the first failed write.
func (d *Dispatcher) Attack(ctx context.Context, damage int) (*game.AttackNotice, error) {
	rec, me, err := d.actor()
	if err != nil {
		return nil, err
	}
	if damage <= 0 {
		return nil, ErrInvalidDamage
	}

	mutations, notice := game.Attack(rec.Replica().ActivePlayers(), me, damage, d.now())
	if len(mutations) == 0 {
		return nil, ErrNoTarget
	}
	for _, m := range mutations {
		if err := d.write(ctx, m); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	if d.session == rec {
		d.lastAttack = notice
	}
	d.mu.Unlock()

	d.logger.Info("Attack",
		zap.String("attacker", notice.Attacker),
		zap.Strings("targets", notice.Targets),
		zap.Int("damage", damage))
	return notice, nil
}

// EnterTokyo takes Tokyo for the caller, evicting any occupant the replica
// shows. See game.EnterTokyo for what concurrent entries do.
//
// A caller already in Tokyo gains nothing, but any other occupant still
// shown is evicted. ErrAlreadyInTokyo means there was nobody to evict.
func (d *Dispatcher) EnterTokyo(ctx context.Context) error {
	rec, me, err := d.actor()
	if err != nil {
		return err
	}
	players := rec.Replica().ActivePlayers()

	mutations := game.EnterTokyo(players, me)
	if me.InTokyo {
		mutations = game.EvictOccupants(players, me)
		if len(mutations) == 0 {
			return ErrAlreadyInTokyo
		}
		d.logger.Info("Clearing second Tokyo occupant", zap.Int("evicted", len(mutations)))
	}
	for _, m := range mutations {
		if err := d.write(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// LeaveTokyo gives up Tokyo.
func (d *Dispatcher) LeaveTokyo(ctx context.Context) error {
	_, me, err := d.actor()
	if err != nil {
		return err
	}
	return d.write(ctx, game.LeaveTokyo(me))
}

func (d *Dispatcher) write(ctx context.Context, m game.Mutation) error {
	if _, err := d.store.UpdatePlayer(ctx, m.RowID, m.Update); err != nil {
		return fmt.Errorf("update %s: %w", m.RowID, err)
	}
	return nil
}

func (d *Dispatcher) activeSession() (*feed.Reconciler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, ErrNoRoom
	}
	return d.session, nil
}

// actor returns the session and the caller's row in it.
func (d *Dispatcher) actor() (*feed.Reconciler, game.Player, error) {
	rec, err := d.activeSession()
	if err != nil {
		return nil, game.Player{}, err
	}
	me, ok := d.currentPlayer(rec)
	if !ok {
		return nil, game.Player{}, ErrNoPlayer
	}
	return rec, me, nil
}

func (d *Dispatcher) currentPlayer(rec *feed.Reconciler) (game.Player, bool) {
	id, err := d.identity.PlayerID()
	if err != nil {
		d.logger.Warn("Identity unavailable", zap.Error(err))
		return game.Player{}, false
	}
	return rec.Replica().CurrentPlayer(id)
}

// RoomCode returns the current room, or "".
func (d *Dispatcher) RoomCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.room
}

// Snapshot returns the current replica snapshot, or nil outside a room.
func (d *Dispatcher) Snapshot() *replica.Snapshot {
	rec, err := d.activeSession()
	if err != nil {
		return nil
	}
	return rec.Replica().Snapshot()
}

// Players returns the active players in join order.
func (d *Dispatcher) Players() []game.Player {
	return d.Snapshot().Active()
}

// CurrentPlayer returns the caller's active row.
func (d *Dispatcher) CurrentPlayer() (game.Player, bool) {
	rec, err := d.activeSession()
	if err != nil {
		return game.Player{}, false
	}
	return d.currentPlayer(rec)
}

// AvailableMonsters lists the monsters the caller may pick.
func (d *Dispatcher) AvailableMonsters() []game.Monster {
	me, _ := d.identity.PlayerID()
	return game.AvailableMonsters(d.Players(), me)
}

// CanAttack reports whether the caller has a target right now.
func (d *Dispatcher) CanAttack() bool {
	rec, me, err := d.actor()
	if err != nil {
		return false
	}
	return game.CanAttack(rec.Replica().ActivePlayers(), me)
}

// LastAttack returns the caller's latest attack notice while it is fresh.
func (d *Dispatcher) LastAttack() *game.AttackNotice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastAttack.Expired(d.now()) {
		return nil
	}
	return d.lastAttack
}

// State returns the feed state of the session.
func (d *Dispatcher) State() feed.State {
	rec, err := d.activeSession()
	if err != nil {
		return feed.StateUninitialized
	}
	return rec.State()
}

// Stats returns the session's feed counters.
func (d *Dispatcher) Stats() feed.Stats {
	rec, err := d.activeSession()
	if err != nil {
		return feed.Stats{}
	}
	return rec.Stats()
}
