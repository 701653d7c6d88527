package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/store"
)

type AcceptRequest struct {
	Username                string `json:"username" validate:"required"`
	Nonce                   string `json:"nonce" validate:"required"`
	KeyEncryptedSender      string `json:"aes_key_encrypted_sender" validate:"required"`
	KeyEncryptedReceiver    string `json:"aes_key_encrypted_receiver" validate:"required"`
	EncryptedWelcomeMessage string `json:"encrypted_welcome_message" validate:"required"`
}

type AcceptResponse struct {
	SessionID string `json:"session_id"`
}

// AcceptContact is the friend-acceptance event. The caller accepts the
// named user's request: both become contacts, a session named
// caller_requester is created with both wrapped keys, and the caller's
// encrypted welcome message opens the thread.
func (s *Server) AcceptContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acceptor := caller(ctx)

	var req AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == acceptor {
		http.Error(w, "You cannot accept yourself", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetUser(ctx, req.Username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		s.fail(w, "Failed to load user", err)
		return
	}

	// Contacts go first: they are idempotent, so a retry after a failure
	// further down can still complete the acceptance.
	for _, pair := range [][2]string{{acceptor, req.Username}, {req.Username, acceptor}} {
		if err := s.store.AddContact(ctx, pair[0], pair[1]); err != nil {
			s.fail(w, "Failed to add contact", err)
			return
		}
	}

	now := time.Now().UTC()
	session := model.Session{
		ID:                   store.SessionID(acceptor, req.Username),
		Sender:               acceptor,
		Receiver:             req.Username,
		KeyEncryptedSender:   req.KeyEncryptedSender,
		KeyEncryptedReceiver: req.KeyEncryptedReceiver,
		CreatedAt:            now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if !errors.Is(err, store.ErrSessionExists) {
			s.fail(w, "Failed to create session", err)
			return
		}
		existing, resumable, err := s.unfinished(ctx, session)
		if err != nil {
			s.fail(w, "Failed to load session", err)
			return
		}
		if !resumable {
			http.Error(w, "Session already exists", http.StatusConflict)
			return
		}
		session = existing
	}

	welcome := model.Message{
		ID:        s.ids.Generate(),
		SessionID: session.ID,
		Sender:    acceptor,
		Receiver:  req.Username,
		Content:   req.EncryptedWelcomeMessage,
		Nonce:     req.Nonce,
		Timestamp: now,
	}
	if err := s.store.SaveMessage(ctx, welcome); err != nil {
		s.fail(w, "Failed to save welcome message", err)
		return
	}
	s.pushUnread(r, acceptor, req.Username)

	writeJSON(w, http.StatusCreated, AcceptResponse{SessionID: session.ID})
}

// unfinished reports whether an earlier attempt of the same acceptance
// stopped before the welcome was saved: the stored session has the wanted
// id and wrapped keys, and no messages yet. A retry with other keys would
// leave a welcome nobody can decrypt, so it conflicts instead.
func (s *Server) unfinished(ctx context.Context, want model.Session) (model.Session, bool, error) {
	session, err := s.store.GetSession(ctx, want.ID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	if session.KeyEncryptedSender != want.KeyEncryptedSender || session.KeyEncryptedReceiver != want.KeyEncryptedReceiver {
		return model.Session{}, false, nil
	}
	messages, err := s.store.History(ctx, session.ID)
	if err != nil {
		return model.Session{}, false, err
	}
	return session, len(messages) == 0, nil
}

func (s *Server) pushUnread(r *http.Request, sender, receiver string) {
	count, err := s.store.UnreadCount(r.Context(), sender, receiver)
	if err != nil {
		s.log.Warn("Failed to count unread messages", "sender", sender, "receiver", receiver, "error", err)
		return
	}
	if err := s.notifier.NotifyUnread(r.Context(), receiver, sender, count); err != nil {
		s.log.Warn("Failed to notify unread count", "receiver", receiver, "error", err)
	}
}

type LookupRequest struct {
	Contact string `json:"contact" validate:"required"`
}

type LookupResponse struct {
	SessionID string `json:"session_id"`
	AESKey    string `json:"aes_key"`
	Uname     string `json:"uname"`
}

// LookupSession finds the pair's session under either id order and returns
// the key copy wrapped for the caller.
func (s *Server) LookupSession(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decode(w, r, &req) {
		return
	}
	me := caller(r.Context())

	session, err := store.FindSession(r.Context(), s.store, me, req.Contact)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		s.fail(w, "Failed to look up session", err)
		return
	}
	key, counterpart := session.WrappedKeyFor(me)
	writeJSON(w, http.StatusOK, LookupResponse{SessionID: session.ID, AESKey: key, Uname: counterpart})
}

type KeysResponse struct {
	PublicKeySender   string `json:"public_key_sender"`
	PublicKeyReceiver string `json:"public_key_receiver"`
}

// PublicKeys returns the caller's and the contact's public keys so the
// client can wrap a fresh session key for both.
func (s *Server) PublicKeys(w http.ResponseWriter, r *http.Request) {
	contact := r.URL.Query().Get("contact")
	if contact == "" {
		http.Error(w, "contact is required", http.StatusBadRequest)
		return
	}
	me, err := s.store.GetUser(r.Context(), caller(r.Context()))
	if err != nil {
		s.notFoundOrFail(w, err)
		return
	}
	other, err := s.store.GetUser(r.Context(), contact)
	if err != nil {
		s.notFoundOrFail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, KeysResponse{PublicKeySender: me.PublicKey, PublicKeyReceiver: other.PublicKey})
}

type RotateKeyRequest struct {
	PublicKey string `json:"public_key" validate:"required"`
}

// RotateKey replaces the caller's own public key. Sessions created earlier
// keep the key copies wrapped under the old one.
func (s *Server) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req RotateKeyRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := s.store.GetUser(r.Context(), caller(r.Context()))
	if err != nil {
		s.notFoundOrFail(w, err)
		return
	}
	user.PublicKey = req.PublicKey
	if err := s.store.PutUser(r.Context(), user); err != nil {
		s.fail(w, "Failed to save user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notFoundOrFail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	s.fail(w, "Failed to load user", err)
}
