// Package events streams session events to operator dashboards over
// WebSocket.
//
// A [Hub] consumes a session event channel and fans every event out to the
// connected clients as JSON text messages. Clients that cannot keep up are
// disconnected instead of slowing the session down.
package events

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vocaform/internal/session"
)

const (
	defaultBuffer = 64
	writeTimeout  = 5 * time.Second
)

// Message is the envelope written to clients.
type Message struct {
	// Type is "snapshot" for the greeting sent on connect and "event"
	// otherwise.
	Type string `json:"type"`

	Event    *session.Event `json:"event,omitempty"`
	Snapshot any            `json:"snapshot,omitempty"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-client queue length. A client whose queue is full
// is disconnected.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithSnapshot sets a function whose result is sent to every client right
// after it connects, typically the current machine state and progress.
func WithSnapshot(fn func() any) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// WithAcceptOptions sets the WebSocket handshake options, for example the
// allowed origin patterns.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Hub) { h.accept = opts }
}

type client struct {
	send chan Message
	kick func()
}

// Hub broadcasts session events to WebSocket clients. It is safe for
// concurrent use.
type Hub struct {
	buffer   int
	snapshot func() any
	accept   *websocket.AcceptOptions

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub returns a hub without clients.
func NewHub(opts ...Option) *Hub {
	h := &Hub{buffer: defaultBuffer, clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run forwards events to all clients until events is closed or ctx is done.
// On return every client is disconnected.
func (h *Hub) Run(ctx context.Context, events <-chan session.Event) error {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev session.Event) {
	msg := Message{Type: "event", Event: &ev}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("events: client too slow, disconnecting", "kind", ev.Kind)
			delete(h.clients, c)
			c.kick()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves
// or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		slog.Warn("events: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()

	// Clients never send anything; CloseRead handles pings and notices the
	// close handshake.
	ctx := ws.CloseRead(context.WithoutCancel(r.Context()))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &client{send: make(chan Message, h.buffer), kick: cancel}
	if !h.add(c) {
		ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)

	if h.snapshot != nil {
		if err := write(ctx, ws, Message{Type: "snapshot", Snapshot: h.snapshot()}); err != nil {
			return
		}
	}

	log := slog.With("remote", r.RemoteAddr)
	log.Debug("events: client connected")
	for {
		select {
		case <-ctx.Done():
			if h.isClosed() {
				ws.Close(websocket.StatusGoingAway, "shutting down")
			} else {
				ws.Close(websocket.StatusPolicyViolation, "too slow")
			}
			log.Debug("events: client disconnected")
			return
		case msg := <-c.send:
			if err := write(ctx, ws, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("events: write failed", "err", err)
				}
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, msg)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.kick()
	}
}
