package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/chat"
	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/store"
)

var validate = validator.New()

// Server exposes the request/response side of the system: login, the
// friend-acceptance hook that creates sessions, and history queries.
type Server struct {
	store    store.Store
	presence presence.Store
	notifier chat.Notifier
	issuer   *auth.Issuer
	ids      chat.IDGenerator
	location *time.Location
	log      *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	protected := func(h http.HandlerFunc) http.Handler {
		return CORSMiddleware(s.issuer.Middleware(h))
	}

	mux.Handle("POST /login", CORSMiddleware(http.HandlerFunc(s.Login)))
	mux.Handle("POST /contacts/accept", protected(s.AcceptContact))
	mux.Handle("POST /sessions/lookup", protected(s.LookupSession))
	mux.Handle("GET /keys", protected(s.PublicKeys))
	mux.Handle("PUT /keys", protected(s.RotateKey))
	mux.Handle("GET /history", protected(s.History))
	mux.Handle("GET /conversations", protected(s.Conversations))
	mux.Handle("POST /conversations/read", protected(s.MarkRead))
	mux.Handle("GET /presence", protected(s.Presence))
	return mux
}

type LoginRequest struct {
	// Ids are joined with '_' into session and channel names.
	UserID    string `json:"user_id" validate:"required,max=150,excludes=_"`
	PublicKey string `json:"public_key"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// Login registers the user on first sight and issues a token. Credentials
// are checked upstream; this service only needs a stable id. The public key
// is taken only at registration; RotateKey replaces it later.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	_, err := s.store.GetUser(r.Context(), req.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user := model.User{ID: req.UserID, PublicKey: req.PublicKey, CreatedAt: time.Now().UTC()}
		if err := s.store.PutUser(r.Context(), user); err != nil {
			s.fail(w, "Failed to save user", err)
			return
		}
	case err != nil:
		s.fail(w, "Failed to load user", err)
		return
	}

	token, err := s.issuer.GenerateToken(req.UserID)
	if err != nil {
		s.fail(w, "Failed to generate token", err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func caller(ctx context.Context) string {
	userID, _ := auth.UserFromContext(ctx)
	return userID
}
