package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotStarted is returned by Broadcast before Start has subscribed.
var ErrNotStarted = errors.New("fanout registry not started")

// Member is one attached connection.
type Member interface {
	ID() string
	// Deliver queues an encoded frame. It must not block.
	Deliver(payload []byte) error
}

// Broadcaster is the membership contract endpoints depend on.
type Broadcaster interface {
	Join(ctx context.Context, channel string, m Member) error
	Leave(ctx context.Context, channel string, m Member) error
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// Registry maps channel names to the connections attached on this
// instance. Broadcasts go through the Bus so members attached to other
// instances receive them too.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Member // channel -> member id -> member
	bus      Bus
	log      *slog.Logger
	started  chan struct{}
	once     sync.Once
}

func NewRegistry(bus Bus, log *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]map[string]Member),
		bus:      bus,
		log:      log,
		started:  make(chan struct{}),
	}
}

// Start subscribes to the bus and delivers incoming envelopes to local
// members until ctx is done. It returns once the subscription is live.
func (r *Registry) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.once.Do(func() { close(r.started) })

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sub.Envelopes():
				if !ok {
					r.log.Warn("Fanout subscription ended")
					return
				}
				r.deliverLocal(env.Channel, env.Payload)
			}
		}
	}()
	return nil
}

func (r *Registry) Join(_ context.Context, channel string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]Member)
		r.channels[channel] = members
	}
	members[m.ID()] = m
	r.log.Debug("Member joined", "channel", channel, "member", m.ID())
	return nil
}

// Leave is unconditional: leaving a channel never joined is a no-op.
func (r *Registry) Leave(_ context.Context, channel string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.channels[channel]; ok {
		delete(members, m.ID())
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	r.log.Debug("Member left", "channel", channel, "member", m.ID())
	return nil
}

// Broadcast publishes payload to every member of channel on every instance.
// Member delivery failures are never reported here.
func (r *Registry) Broadcast(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-r.started:
	default:
		return ErrNotStarted
	}
	if err := r.bus.Publish(ctx, Envelope{Channel: channel, Payload: payload}); err != nil {
		return fmt.Errorf("broadcast on %s: %w", channel, err)
	}
	return nil
}

// Members returns the number of members attached locally to channel.
func (r *Registry) Members(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

func (r *Registry) deliverLocal(channel string, payload []byte) {
	r.mu.RLock()
	members := make([]Member, 0, len(r.channels[channel]))
	for _, m := range r.channels[channel] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		if err := m.Deliver(payload); err != nil {
			r.log.Warn("Skipping member after failed delivery",
				"channel", channel, "member", m.ID(), "error", err)
		}
	}
}
