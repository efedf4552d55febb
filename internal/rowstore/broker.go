package rowstore

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 256

// Broker fans change events out to room subscribers.
type Broker interface {
	Publish(ctx context.Context, room string, ev Event) error
	Subscribe(ctx context.Context, room string) (Subscription, error)
	Close() error
}

// Feed is a channel-backed Subscription. Producers call Send or TrySend and
// End; consumers use the Subscription methods.
type Feed struct {
	events  chan Event
	done    chan struct{}
	endOnce sync.Once
	err     atomic.Value // error
	onClose func()
}

// NewFeed creates a feed with the given buffer. onClose, if set, runs once
// when the consumer closes the feed.
func NewFeed(buffer int, onClose func()) *Feed {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Feed{
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Send blocks until ev is queued or the feed ends.
func (f *Feed) Send(ev Event) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	}
}

// TrySend queues ev without blocking. It returns false when the buffer is
// full or the feed has ended.
func (f *Feed) TrySend(ev Event) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.events <- ev:
		return true
	default:
		return false
	}
}

// End terminates the feed with err. Later calls are ignored.
func (f *Feed) End(err error) {
	f.endOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		f.err.Store(err)
		close(f.done)
	})
}

func (f *Feed) Events() <-chan Event  { return f.events }
func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) Err() error {
	if v := f.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Close ends the feed from the consumer side.
func (f *Feed) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	if f.onClose != nil {
		f.onClose()
	}
	f.End(ErrClosed)
	return nil
}

// EndOnContext ends the feed when ctx is cancelled.
func (f *Feed) EndOnContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.done:
		}
	}()
}

// LocalBroker is an in-process Broker. Publish never blocks: a subscriber
// whose buffer is full is dropped with ErrSlowSubscriber and has to resync.
type LocalBroker struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Feed]struct{}
	buffer int
	closed bool

	published uint64 // atomic
	dropped   uint64 // atomic
}

// NewLocalBroker creates a broker with the given per-subscriber buffer.
func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &LocalBroker{
		rooms:  make(map[string]map[*Feed]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a feed for room. It ends when ctx is cancelled.
func (b *LocalBroker) Subscribe(ctx context.Context, room string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var feed *Feed
	feed = NewFeed(b.buffer, func() { b.remove(room, feed) })
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[*Feed]struct{})
		b.rooms[room] = subs
	}
	subs[feed] = struct{}{}
	feed.EndOnContext(ctx)
	return feed, nil
}

// Publish delivers ev to every subscriber of room.
func (b *LocalBroker) Publish(ctx context.Context, room string, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var slow []*Feed
	for feed := range b.rooms[room] {
		if !feed.TrySend(ev) {
			slow = append(slow, feed)
		}
	}
	b.mu.RUnlock()

	atomic.AddUint64(&b.published, 1)
	for _, feed := range slow {
		atomic.AddUint64(&b.dropped, 1)
		b.remove(room, feed)
		feed.End(ErrSlowSubscriber)
	}
	return nil
}

// Disconnect ends every subscription to room with err.
func (b *LocalBroker) Disconnect(room string, err error) {
	b.mu.Lock()
	subs := b.rooms[room]
	delete(b.rooms, room)
	b.mu.Unlock()

	for feed := range subs {
		feed.End(err)
	}
}

// Subscribers returns the number of live subscriptions to room.
func (b *LocalBroker) Subscribers(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Stats returns published and dropped-subscriber counts.
func (b *LocalBroker) Stats() (published, dropped uint64) {
	return atomic.LoadUint64(&b.published), atomic.LoadUint64(&b.dropped)
}

// Close ends every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	rooms := b.rooms
	b.rooms = make(map[string]map[*Feed]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, subs := range rooms {
		for feed := range subs {
			feed.End(ErrClosed)
		}
	}
	return nil
}

func (b *LocalBroker) remove(room string, feed *Feed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.rooms[room]; ok {
		delete(subs, feed)
		if len(subs) == 0 {
			delete(b.rooms, room)
		}
	}
}
