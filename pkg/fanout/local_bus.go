package fanout

import (
	"context"
	"sync"
)

// LocalBus is an in-process Bus for single-instance deployments and tests.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*localSubscription]struct{}
	closed bool
	buffer int
}

func NewLocalBus(buffer int) *LocalBus {
	return &LocalBus{subs: make(map[*localSubscription]struct{}), buffer: buffer}
}

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*localSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &localSubscription{bus: b, ch: make(chan Envelope, b.buffer), done: make(chan struct{})}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*localSubscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	return nil
}

// The envelope channel is never closed; consumers stop on their context.
type localSubscription struct {
	bus  *LocalBus
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *localSubscription) Envelopes() <-chan Envelope { return s.ch }

func (s *localSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *localSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}
