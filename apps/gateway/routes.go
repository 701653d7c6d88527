package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mahaj/cipherline/pkg/chat"
	"github.com/mahaj/cipherline/pkg/ws"
)

// gateway routes the two socket kinds. The notification socket is keyed
// only by the authenticated principal; the chat socket also names the
// counterpart.
type gateway struct {
	mux     *http.ServeMux
	sockets []*ws.Handler
}

func newGateway(ctx context.Context, notifications, conversations ws.Endpoint, auth ws.Authenticator, log *slog.Logger) *gateway {
	notificationSockets := ws.NewHandler(ctx, notifications, auth, log.With("endpoint", "notifications"))
	chatSockets := ws.NewHandler(ctx, conversations, auth, log.With("endpoint", "chat"), chat.ContactParam)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/notifications", notificationSockets)
	mux.Handle("GET /ws/chat/{"+chat.ContactParam+"}", chatSockets)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &gateway{mux: mux, sockets: []*ws.Handler{notificationSockets, chatSockets}}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Shutdown closes every socket and returns once presence and offline
// events for all of them have been handled.
func (g *gateway) Shutdown(ctx context.Context) error {
	var errs []error
	for _, h := range g.sockets {
		errs = append(errs, h.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
