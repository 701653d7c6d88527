package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans envelopes out through Redis PUBLISH/SUBSCRIBE on a single
// topic. Redis keeps publish order per connection, which is what gives
// single-channel FIFO delivery.
type RedisBus struct {
	redis redis.UniversalClient
	topic string
	log   *slog.Logger
}

func NewRedisBus(rdb redis.UniversalClient, topic string, log *slog.Logger) *RedisBus {
	return &RedisBus{redis: rdb, topic: topic, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.redis.Publish(ctx, b.topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.redis.Subscribe(ctx, b.topic)
	// Wait for the subscribe confirmation before reporting success.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.topic, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan Envelope, 256), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("Dropping malformed envelope", "topic", b.topic, "error", err)
				continue
			}
			select {
			case sub.out <- env:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Envelopes() <-chan Envelope { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
