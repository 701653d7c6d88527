package main

import (
	"errors"
	"net/http"

	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/samber/lo"
)

type HistoryEntry struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	IsSent    bool   `json:"is_sent"`
}

// History returns the pair's ciphertexts oldest first. Clients use it to
// catch up on anything broadcast while they were away.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	contact := r.URL.Query().Get("contact")
	if contact == "" {
		http.Error(w, "contact is required", http.StatusBadRequest)
		return
	}
	me := caller(r.Context())

	session, err := store.FindSession(r.Context(), s.store, me, contact)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Contact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "Failed to retrieve history", err)
		return
	}

	messages, err := s.store.History(r.Context(), session.ID)
	if err != nil {
		s.fail(w, "Failed to retrieve history", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(messages, func(m model.Message, _ int) HistoryEntry {
		return HistoryEntry{
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Content:   m.Content,
			Nonce:     m.Nonce,
			Timestamp: m.Timestamp.In(s.location).Format(model.ClockFormat),
			IsSent:    m.Sender == me,
		}
	}))
}

type Conversation struct {
	UserID      string `json:"user_id"`
	OtherUserID string `json:"other_user_id"`
	UnreadCount int64  `json:"unread_count"`
	Online      bool   `json:"online"`
}

// Conversations lists the caller's contacts with what each has left unread.
func (s *Server) Conversations(w http.ResponseWriter, r *http.Request) {
	me := caller(r.Context())
	contacts, err := s.store.Contacts(r.Context(), me)
	if err != nil {
		s.fail(w, "Failed to load contacts", err)
		return
	}
	online, err := s.presence.Online(r.Context(), contacts...)
	if err != nil {
		s.log.Warn("Failed to fetch presence", "user", me, "error", err)
	}

	conversations := make([]Conversation, 0, len(contacts))
	for _, contact := range contacts {
		count, err := s.store.UnreadCount(r.Context(), contact, me)
		if err != nil {
			s.fail(w, "Failed to count unread messages", err)
			return
		}
		conversations = append(conversations, Conversation{
			UserID:      me,
			OtherUserID: contact,
			UnreadCount: count,
			Online:      lo.Contains(online, contact),
		})
	}
	writeJSON(w, http.StatusOK, conversations)
}

type ReadRequest struct {
	OtherUserID string `json:"other_user_id" validate:"required"`
}

// MarkRead is the HTTP twin of the notification socket's mark_read command.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.store.MarkRead(r.Context(), req.OtherUserID, caller(r.Context())); err != nil {
		s.fail(w, "Failed to reset unread count", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type PresenceResponse struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

func (s *Server) Presence(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	online, err := s.presence.IsOnline(r.Context(), userID)
	if err != nil {
		s.fail(w, "Failed to fetch presence", err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{UserID: userID, IsOnline: online})
}
