package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is one message pushed to live admin dashboard subscribers: a
// worker or task state transition, emitted by the dispatcher as it
// mutates its registries. Purely observational: the admin surface is
// read-only and off the critical protocol path.
type Event struct {
	Kind string      `json:"kind"` // "worker" or "task"
	Data interface{} `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the single-writer pub/sub broker for connected dashboard clients,
// simplified to one implicit topic (all clients receive every Event) since
// the admin surface has no per-resource subscription model.
type Hub struct {
	clients map[*hubClient]struct{}
	mu      sync.RWMutex

	register   chan *hubClient
	unregister chan *hubClient
	logger     *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*hubClient]struct{}),
		register:   make(chan *hubClient, 16),
		unregister: make(chan *hubClient, 16),
		logger:     logger.Named("admin_hub"),
	}
}

// Run starts the hub's event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*hubClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends ev to every connected client. Safe to call from any
// goroutine; this is how the dispatcher pushes registry mutations onto
// the dashboard.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			h.unregister <- c
		}
	}
}

// ServeWS upgrades the request to a WebSocket connection and registers it
// with the hub. Authentication uses a `token` query parameter rather than
// the Authorization header, since the browser WebSocket API cannot set
// custom headers.
func (h *Hub) ServeWS(mgr *TokenManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := mgr.Validate(r.URL.Query().Get("token")); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("ws upgrade failed", zap.Error(err))
			return
		}

		c := &hubClient{conn: conn, send: make(chan Event, sendBufferSize), logger: h.logger}
		h.register <- c
		go c.writePump()
		c.readPump(h)
	}
}

// hubClient is a single connected dashboard peer.
type hubClient struct {
	conn   *websocket.Conn
	send   chan Event
	logger *zap.Logger
}

// readPump only watches for disconnection; the protocol is server-push
// only, so no application messages are expected from the client.
func (c *hubClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
