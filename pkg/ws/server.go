package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// Authenticator resolves the principal of an upgrade request.
type Authenticator interface {
	Principal(r *http.Request) (string, error)
}

// Handler upgrades authenticated requests and hands the connection to an
// Endpoint. Anonymous requests are refused before the upgrade, so they
// never join a channel nor trigger a broadcast.
type Handler struct {
	endpoint Endpoint
	auth     Authenticator
	params   []string
	log      *slog.Logger
	ctx      context.Context

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHandler serves endpoint. params names the path wildcards copied into
// the Peer. ctx bounds endpoint work and is usually the server's lifetime.
func NewHandler(ctx context.Context, endpoint Endpoint, auth Authenticator, log *slog.Logger, params ...string) *Handler {
	return &Handler{
		endpoint: endpoint,
		auth:     auth,
		params:   params,
		log:      log,
		ctx:      ctx,
		conns:    make(map[*Conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Principal(r)
	if err != nil {
		h.log.Info("Unauthorized websocket attempt", "path", r.URL.Path, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	values := make(map[string]string, len(h.params))
	for _, name := range h.params {
		values[name] = r.PathValue(name)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Upgrade failed", "error", err)
		return
	}

	c := newConn(conn, userID, values, h.log)
	go c.writePump()

	if !h.track(c) {
		c.shutdown()
		return
	}
	if err := h.endpoint.Open(h.ctx, c); err != nil {
		c.log.Warn("Connection refused", "error", err)
		c.sendError(err)
		c.shutdown()
		h.untrack(c)
		return
	}
	c.log.Info("Client registered", "path", r.URL.Path)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go func() {
		defer func() {
			h.endpoint.Close(context.WithoutCancel(h.ctx), c)
			c.shutdown()
			h.untrack(c)
			c.log.Info("Client unregistered")
		}()
		c.readPump(h.ctx, h.endpoint)
	}()
}

// Shutdown refuses new connections, sends a going-away close frame to every
// live one and waits until each endpoint Close has returned. Hijacked
// connections are invisible to http.Server.Shutdown, so the caller runs
// this after it.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	live := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		live = append(live, c)
	}
	h.mu.Unlock()

	for _, c := range live {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}
