package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/cipherline/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Ciphertext is base64 so this
	// is larger than a plain text chat would need.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// ErrSlowConsumer is returned by Deliver when the send queue is full.
var ErrSlowConsumer = errors.New("send queue full")

// ErrClosed is returned by Deliver after the connection has gone away.
var ErrClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Peer is the view endpoints get of one connection.
type Peer interface {
	ID() string
	UserID() string
	// Param returns a routing parameter captured from the request path.
	Param(name string) string
	Deliver(payload []byte) error
}

// Endpoint drives one kind of socket through CONNECTING -> ACTIVE -> CLOSED.
type Endpoint interface {
	// Open runs before any frame is read; an error closes the connection.
	Open(ctx context.Context, p Peer) error
	// Receive handles one inbound frame. Its error is reported to this
	// connection only.
	Receive(ctx context.Context, p Peer, frame []byte) error
	// Close runs exactly once after a successful Open.
	Close(ctx context.Context, p Peer)
}

// Conn is a middleman between the websocket connection and an Endpoint.
type Conn struct {
	id     string
	userID string
	params map[string]string

	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newConn(conn *websocket.Conn, userID string, params map[string]string, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		params: params,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    log.With("conn", id, "user", userID),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Param(name string) string { return c.params[name] }

// Deliver never blocks. A full queue marks the connection as too slow and
// closes it.
func (c *Conn) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closed = true
		close(c.send)
		return ErrSlowConsumer
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// goAway closes the socket from outside the pumps. The read pump then fails
// and runs the endpoint's Close.
func (c *Conn) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (c *Conn) sendError(err error) {
	data, mErr := json.Marshal(model.ErrorFrame{Type: model.TypeError, Error: err.Error()})
	if mErr != nil {
		return
	}
	if dErr := c.Deliver(data); dErr != nil {
		c.log.Warn("Failed to report error to client", "error", dErr)
	}
}

// readPump pumps frames from the websocket connection to the endpoint.
// Frames are handled one at a time, in arrival order.
func (c *Conn) readPump(ctx context.Context, endpoint Endpoint) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("Connection dropped", "error", err)
			}
			return
		}
		if err := endpoint.Receive(ctx, c, frame); err != nil {
			c.log.Warn("Frame rejected", "error", err)
			c.sendError(err)
		}
	}
}

// writePump pumps frames from the send queue to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The queue was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per websocket message: clients parse each as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
