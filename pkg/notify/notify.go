// Package notify implements the per-user notification socket: presence
// announcements, the initial online-contacts push, mark-read commands and
// unread-count pushes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/fanout"
	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/mahaj/cipherline/pkg/ws"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// ChannelName is the one notification channel shared by all of a user's
// connections.
func ChannelName(userID string) string {
	return "notifications_" + userID
}

type Reader interface {
	store.Contacts
	MarkRead(ctx context.Context, sender, receiver string) (int, error)
}

type Service struct {
	registry fanout.Broadcaster
	presence presence.Store
	store    Reader
	log      *slog.Logger
}

func NewService(registry fanout.Broadcaster, presence presence.Store, store Reader, log *slog.Logger) *Service {
	return &Service{registry: registry, presence: presence, store: store, log: log}
}

func (s *Service) Open(ctx context.Context, p ws.Peer) error {
	userID := p.UserID()
	if userID == "" {
		return auth.ErrAuthenticationRequired
	}
	if err := s.registry.Join(ctx, ChannelName(userID), p); err != nil {
		return err
	}
	if err := s.presence.Add(ctx, userID); err != nil {
		s.log.Error("Failed to set presence", "user", userID, "error", err)
	}

	// The connection is live from here on; a failed contact lookup only
	// degrades the initial push.
	contacts, err := s.store.Contacts(ctx, userID)
	if err != nil {
		s.log.Error("Failed to load contacts", "user", userID, "error", err)
	}
	s.sendOnlineContacts(ctx, p, contacts)
	s.broadcastStatus(ctx, userID, contacts, true)
	return nil
}

func (s *Service) Receive(ctx context.Context, p ws.Peer, frame []byte) error {
	var cmd model.MarkReadFrame
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	switch cmd.Type {
	case model.TypeMarkRead:
		if cmd.ContactID == "" {
			return errors.New("contact_id is required")
		}
		changed, err := s.store.MarkRead(ctx, cmd.ContactID, p.UserID())
		if err != nil {
			return err
		}
		s.log.Debug("Conversation marked read", "user", p.UserID(), "contact", cmd.ContactID, "messages", changed)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, cmd.Type)
	}
}

// Close removes presence before announcing, so a contact who checks the
// store after the offline event sees the user gone.
func (s *Service) Close(ctx context.Context, p ws.Peer) {
	userID := p.UserID()
	if err := s.presence.Remove(ctx, userID); err != nil {
		s.log.Error("Failed to delete presence", "user", userID, "error", err)
	}
	if err := s.registry.Leave(ctx, ChannelName(userID), p); err != nil {
		s.log.Warn("Failed to leave channel", "user", userID, "error", err)
	}
	contacts, err := s.store.Contacts(ctx, userID)
	if err != nil {
		s.log.Error("Failed to load contacts for offline event", "user", userID, "error", err)
		return
	}
	s.broadcastStatus(ctx, userID, contacts, false)
}

// NotifyUnread pushes the receiver's new unread count from sender to every
// notification connection the receiver has, on any instance.
func (s *Service) NotifyUnread(ctx context.Context, receiverID, senderID string, unreadCount int64) error {
	payload, err := json.Marshal(model.UnreadMessageFrame{
		Type:        model.TypeUnreadMessage,
		FromUser:    senderID,
		UnreadCount: unreadCount,
	})
	if err != nil {
		return err
	}
	return s.registry.Broadcast(ctx, ChannelName(receiverID), payload)
}

func (s *Service) sendOnlineContacts(ctx context.Context, p ws.Peer, contacts []string) {
	online, err := s.presence.Online(ctx, contacts...)
	if err != nil {
		s.log.Error("Failed to fetch online contacts", "user", p.UserID(), "error", err)
	}
	if online == nil {
		online = []string{}
	}
	payload, err := json.Marshal(model.OnlineContactsFrame{Type: model.TypeOnlineContacts, UserIDs: online})
	if err != nil {
		return
	}
	if err := p.Deliver(payload); err != nil {
		s.log.Warn("Failed to push online contacts", "user", p.UserID(), "error", err)
	}
}

func (s *Service) broadcastStatus(ctx context.Context, userID string, contacts []string, online bool) {
	payload, err := json.Marshal(model.OnlineStatusFrame{
		Type:     model.TypeOnlineStatus,
		UserID:   userID,
		IsOnline: online,
	})
	if err != nil {
		return
	}
	for _, contactID := range contacts {
		if err := s.registry.Broadcast(ctx, ChannelName(contactID), payload); err != nil {
			s.log.Warn("Failed to announce status", "user", userID, "contact", contactID, "error", err)
		}
	}
}
