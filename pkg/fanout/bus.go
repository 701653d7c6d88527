package fanout

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrBusClosed is returned when publishing on a bus that has shut down.
var ErrBusClosed = errors.New("fanout bus closed")

// Envelope is what travels between gateway instances: the target channel
// and the already-encoded frame for its members.
type Envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Bus carries envelopes to every subscribed instance, including the
// publisher itself.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns once the subscription is live, so envelopes
	// published after it returns are guaranteed to be seen.
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

type Subscription interface {
	Envelopes() <-chan Envelope
	Close() error
}
