// Package redisfeed carries change events between server processes over
// Redis pub/sub, one channel per room.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// ChannelPrefix namespaces room channels.
const ChannelPrefix = "kot:room:"

var ErrConnectionLost = errors.New("redis subscription lost")

// Channel returns the pub/sub channel for room.
func Channel(room string) string {
	return ChannelPrefix + room
}

// Options configures the Redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	logger.Info("Connected to Redis", zap.String("addr", opts.Addr))
	return rdb, nil
}

// Broker is a rowstore.Broker on Redis pub/sub. Redis drops messages for a
// subscriber whose connection breaks, so a broken connection ends the feed
// instead of silently reconnecting.
type Broker struct {
	rdb    *redis.Client
	logger *zap.Logger
	buffer int
}

// New creates a broker on rdb.
func New(rdb *redis.Client, logger *zap.Logger, buffer int) *Broker {
	return &Broker{rdb: rdb, logger: logger, buffer: buffer}
}

func (b *Broker) Publish(ctx context.Context, room string, ev rowstore.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(room), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(room), err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no write
// published after it returns is missed.
func (b *Broker) Subscribe(ctx context.Context, room string) (rowstore.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(room), err)
	}

	feed := rowstore.NewFeed(b.buffer, func() { ps.Close() })
	feed.EndOnContext(ctx)
	go b.pump(ps, feed, room)
	return feed, nil
}

func (b *Broker) pump(ps *redis.PubSub, feed *rowstore.Feed, room string) {
	defer ps.Close()

	for {
		msg, err := ps.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case <-feed.Done():
			default:
				b.logger.Warn("Redis subscription ended", zap.String("room", room), zap.Error(err))
			}
			feed.End(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		var ev rowstore.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.logger.Warn("Dropping undecodable event", zap.String("room", room), zap.Error(err))
			continue
		}
		if !feed.Send(ev) {
			return
		}
	}
}

// Close closes the Redis client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}
