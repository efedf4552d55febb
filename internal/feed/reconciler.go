// Package feed keeps a replica in step with a room's change feed.
//
// The Reconciler opens the subscription first, then does a full fetch and
// installs it, then applies the events that queued up meanwhile. Nothing
// written between the fetch and the subscription can be missed, and because
// events are idempotent replaying ones the fetch already reflects is
// harmless. When the subscription drops it starts over.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// DefaultReconnectDelay is the pause between a dropped feed and the refetch.
const DefaultReconnectDelay = time.Second

var (
	ErrNotRunning     = errors.New("reconciler not running")
	ErrAlreadyRunning = errors.New("reconciler already running")
)

// State is the reconciler's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// Stats are reconciler counters.
type Stats struct {
	Applied    uint64 `json:"applied"`
	Ignored    uint64 `json:"ignored"`
	Dropped    uint64 `json:"dropped"`
	Resyncs    uint64 `json:"resyncs"`
	Reconnects uint64 `json:"reconnects"`
}

// Options tune a Reconciler.
type Options struct {
	ReconnectDelay time.Duration
	Journal        *Journal
}

type resyncRequest struct {
	reply chan error
}

// Reconciler owns the replica for one room at a time. Its goroutine is the
// only writer of the replica.
type Reconciler struct {
	store   rowstore.Store
	replica *replica.Store
	logger  *zap.Logger
	opts    Options

	state    atomic.Int32
	syncMu   sync.Mutex
	syncedCh chan struct{}

	resyncCh chan resyncRequest
	onChange func(*replica.Snapshot)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	applied    uint64 // atomic
	ignored    uint64 // atomic
	dropped    uint64 // atomic
	resyncs    uint64 // atomic
	reconnects uint64 // atomic
}

// NewReconciler creates a reconciler writing into rep.
func NewReconciler(store rowstore.Store, rep *replica.Store, logger *zap.Logger, opts Options) *Reconciler {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &Reconciler{
		store:    store,
		replica:  rep,
		logger:   logger,
		opts:     opts,
		syncedCh: make(chan struct{}),
		resyncCh: make(chan resyncRequest),
	}
}

// OnChange sets a callback fired on the reconciler goroutine after every
// replica change. Set it before Start.
func (r *Reconciler) OnChange(fn func(*replica.Snapshot)) {
	r.onChange = fn
}

// Replica returns the replica being maintained.
func (r *Reconciler) Replica() *replica.Store {
	return r.replica
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Stats returns a copy of the counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:    atomic.LoadUint64(&r.applied),
		Ignored:    atomic.LoadUint64(&r.ignored),
		Dropped:    atomic.LoadUint64(&r.dropped),
		Resyncs:    atomic.LoadUint64(&r.resyncs),
		Reconnects: atomic.LoadUint64(&r.reconnects),
	}
}

// Start runs the reconciler for room in the background.
func (r *Reconciler) Start(ctx context.Context, room string) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		r.Run(ctx, room)
	}(r.done)
	return nil
}

// Stop cancels the background run and waits for it to exit. The replica is
// left as it was.
func (r *Reconciler) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WaitSynced blocks until the replica is synced or ctx ends.
func (r *Reconciler) WaitSynced(ctx context.Context) error {
	r.syncMu.Lock()
	ch := r.syncedCh
	r.syncMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync replaces the replica with a fresh full fetch, run on the
// reconciler's goroutine. It returns after the new state is installed.
func (r *Reconciler) Resync(ctx context.Context) error {
	if r.State() == StateUninitialized {
		return ErrNotRunning
	}
	req := resyncRequest{reply: make(chan error, 1)}
	select {
	case r.resyncCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run maintains the replica for room until ctx ends. It never returns early
// on feed or fetch errors; it logs them and starts over.
func (r *Reconciler) Run(ctx context.Context, room string) error {
	defer r.setState(StateUninitialized)

	for {
		r.setState(StateLoading)
		err := r.session(ctx, room)
		if ctx.Err() != nil {
			return nil
		}

		atomic.AddUint64(&r.reconnects, 1)
		r.logger.Warn("Change feed lost, refetching",
			zap.String("room", room),
			zap.Duration("retry_in", r.opts.ReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.ReconnectDelay):
		}
	}
}

// session runs one subscribe, fetch, apply cycle. It returns when the feed
// ends or ctx is cancelled.
func (r *Reconciler) session(ctx context.Context, room string) error {
	sub, err := r.store.Subscribe(ctx, room)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	if err := r.refetch(ctx, room); err != nil {
		return err
	}
	r.logger.Debug("Replica synced",
		zap.String("room", room),
		zap.Int("rows", len(r.replica.Snapshot().Players)))
	r.setState(StateSynced)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-sub.Events():
			r.handle(room, ev)

		case <-sub.Done():
			return fmt.Errorf("feed ended: %w", sub.Err())

		case req := <-r.resyncCh:
			// Events already queued predate the fetch; applying them after
			// it would briefly roll rows back.
			r.drain(room, sub)
			err := r.refetch(ctx, room)
			if err == nil {
				atomic.AddUint64(&r.resyncs, 1)
			}
			req.reply <- err
		}
	}
}

func (r *Reconciler) drain(room string, sub rowstore.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			r.handle(room, ev)
		default:
			return
		}
	}
}

func (r *Reconciler) refetch(ctx context.Context, room string) error {
	rows, err := r.store.QueryPlayers(ctx, rowstore.PlayerFilter{RoomCode: room})
	if err != nil {
		return fmt.Errorf("fetch players: %w", err)
	}
	snap := r.replica.Replace(room, rows)
	r.notify(snap)
	return nil
}

func (r *Reconciler) handle(room string, ev rowstore.Event) {
	r.opts.Journal.Record(room, ev)

	if err := ev.Validate(room); err != nil {
		atomic.AddUint64(&r.dropped, 1)
		r.logger.Warn("Dropping malformed change event",
			zap.String("room", room),
			zap.String("type", string(ev.Kind)),
			zap.Error(err))
		return
	}

	if !r.replica.Apply(ev) {
		atomic.AddUint64(&r.ignored, 1)
		return
	}
	atomic.AddUint64(&r.applied, 1)
	r.notify(r.replica.Snapshot())
}

func (r *Reconciler) notify(snap *replica.Snapshot) {
	if r.onChange != nil {
		r.onChange(snap)
	}
}

func (r *Reconciler) setState(s State) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == StateSynced {
		close(r.syncedCh)
	} else if prev == StateSynced {
		r.syncedCh = make(chan struct{})
	}
}
