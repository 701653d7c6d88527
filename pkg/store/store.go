// Package store persists the durable side of the messaging core: the user
// directory, contact lists, sessions and their messages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mahaj/cipherline/pkg/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionExists = errors.New("session already exists")
)

type Users interface {
	PutUser(ctx context.Context, user model.User) error
	GetUser(ctx context.Context, userID string) (model.User, error)
}

type Contacts interface {
	// AddContact records that userID lists contactID. It is one-directional.
	AddContact(ctx context.Context, userID, contactID string) error
	Contacts(ctx context.Context, userID string) ([]string, error)
}

type Sessions interface {
	// CreateSession fails with ErrSessionExists when a session between the
	// two participants already exists under either id order.
	CreateSession(ctx context.Context, session model.Session) error
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
}

type Messages interface {
	SaveMessage(ctx context.Context, msg model.Message) error
	// UnreadCount counts messages from sender to receiver still unread.
	UnreadCount(ctx context.Context, sender, receiver string) (int64, error)
	// MarkRead flips every unread message from sender to receiver and
	// returns how many changed.
	MarkRead(ctx context.Context, sender, receiver string) (int, error)
	// History returns a session's messages, oldest first.
	History(ctx context.Context, sessionID string) ([]model.Message, error)
}

type Store interface {
	Users
	Contacts
	Sessions
	Messages
	Close() error
}

// SessionID derives the id a session gets at creation: the accepting user
// first. It is deliberately not symmetric; see FindSession.
func SessionID(sender, receiver string) string {
	return sender + "_" + receiver
}

// FindSession looks a pair's session up under both id orders.
func FindSession(ctx context.Context, sessions Sessions, a, b string) (model.Session, error) {
	session, err := sessions.GetSession(ctx, SessionID(a, b))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Session{}, err
	}
	session, err = sessions.GetSession(ctx, SessionID(b, a))
	if err != nil {
		return model.Session{}, fmt.Errorf("session between %s and %s: %w", a, b, err)
	}
	return session, nil
}
