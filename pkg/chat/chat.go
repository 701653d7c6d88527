// Package chat implements the per-pair conversation socket.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/fanout"
	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/mahaj/cipherline/pkg/ws"
)

// ContactParam is the path wildcard naming the counterpart.
const ContactParam = "contact_id"

var (
	ErrMissingContact = errors.New("counterpart is required")
	// ErrLookup wraps a failed sender, receiver or session resolution.
	ErrLookup = errors.New("lookup failed")
	// ErrSessionMismatch is returned when the named session does not belong
	// to the connection's two participants.
	ErrSessionMismatch = errors.New("session does not pair sender and receiver")
)

// ChannelName sorts the pair so both participants land on the same channel.
func ChannelName(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "chat_" + ids[0] + "_" + ids[1]
}

// Notifier pushes unread counts to a receiver's notification connections.
type Notifier interface {
	NotifyUnread(ctx context.Context, receiverID, senderID string, unreadCount int64) error
}

type Store interface {
	store.Users
	store.Sessions
	SaveMessage(ctx context.Context, msg model.Message) error
	UnreadCount(ctx context.Context, sender, receiver string) (int64, error)
}

// IDGenerator hands out time-ordered message ids.
type IDGenerator interface {
	Generate() int64
}

type Service struct {
	registry  fanout.Broadcaster
	store     Store
	notifier  Notifier
	ids       IDGenerator
	location  *time.Location
	validator *validator.Validate
	now       func() time.Time
	log       *slog.Logger
}

func NewService(registry fanout.Broadcaster, store Store, notifier Notifier, ids IDGenerator, location *time.Location, log *slog.Logger) *Service {
	return &Service{
		registry:  registry,
		store:     store,
		notifier:  notifier,
		ids:       ids,
		location:  location,
		validator: validator.New(),
		now:       time.Now,
		log:       log,
	}
}

func (s *Service) Open(ctx context.Context, p ws.Peer) error {
	if p.UserID() == "" {
		return auth.ErrAuthenticationRequired
	}
	contactID := p.Param(ContactParam)
	if contactID == "" {
		return ErrMissingContact
	}
	return s.registry.Join(ctx, ChannelName(p.UserID(), contactID), p)
}

func (s *Service) Close(ctx context.Context, p ws.Peer) {
	channel := ChannelName(p.UserID(), p.Param(ContactParam))
	if err := s.registry.Leave(ctx, channel, p); err != nil {
		s.log.Warn("Failed to leave channel", "channel", channel, "error", err)
	}
}

// Receive persists one ciphertext, echoes it to the pair's channel and
// refreshes the receiver's unread count. A failed lookup stops before
// anything is written or broadcast.
func (s *Service) Receive(ctx context.Context, p ws.Peer, frame []byte) error {
	var in model.SendFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	if err := s.validator.Struct(in); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	senderID, receiverID := p.UserID(), p.Param(ContactParam)
	msg, err := s.persist(ctx, senderID, receiverID, in)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(model.ChatMessageFrame{
		Type:        model.TypeChatMessage,
		Message:     msg.Content,
		SenderID:    senderID,
		Nonce:       msg.Nonce,
		SessionName: msg.SessionID,
		Timestamp:   msg.Timestamp.In(s.location).Format(model.ClockFormat),
	})
	if err != nil {
		return err
	}
	// The message is durable at this point; a failed broadcast is only logged.
	if err := s.registry.Broadcast(ctx, ChannelName(senderID, receiverID), payload); err != nil {
		s.log.Error("Failed to broadcast chat message", "session", msg.SessionID, "id", msg.ID, "error", err)
	}

	count, err := s.store.UnreadCount(ctx, senderID, receiverID)
	if err != nil {
		s.log.Error("Failed to count unread messages", "sender", senderID, "receiver", receiverID, "error", err)
		return nil
	}
	if err := s.notifier.NotifyUnread(ctx, receiverID, senderID, count); err != nil {
		s.log.Error("Failed to notify unread count", "receiver", receiverID, "error", err)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, senderID, receiverID string, in model.SendFrame) (model.Message, error) {
	if _, err := s.store.GetUser(ctx, senderID); err != nil {
		return model.Message{}, fmt.Errorf("%w: sender: %w", ErrLookup, err)
	}
	if _, err := s.store.GetUser(ctx, receiverID); err != nil {
		return model.Message{}, fmt.Errorf("%w: receiver: %w", ErrLookup, err)
	}
	session, err := s.store.GetSession(ctx, in.SessionName)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	if !session.Pairs(senderID, receiverID) {
		return model.Message{}, fmt.Errorf("%w: %s", ErrSessionMismatch, session.ID)
	}

	msg := model.Message{
		ID:        s.ids.Generate(),
		SessionID: session.ID,
		Sender:    senderID,
		Receiver:  receiverID,
		Content:   in.Message,
		Nonce:     in.Nonce,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return model.Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}
