package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"potholecam/internal/session"
)

const writeWait = 10 * time.Second

// client serializes writes; a gorilla connection allows one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans session events out to connected dashboards.
type Hub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[*client]bool),
		logger:  logger.Named("ws"),
	}
}

// Register adds a connection.
func (h *Hub) Register(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("Client registered", "remote", conn.RemoteAddr().String(), "total", n)
	return c
}

// Unregister removes a connection and closes it. Safe to call twice.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		h.logger.Debugw("Client unregistered", "remote", c.conn.RemoteAddr().String())
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a text message to every client, dropping those that fail.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debugw("Dropping client after write error", "error", err)
			h.Unregister(c)
		}
	}
}

// BroadcastMessage marshals and broadcasts msg.
func (h *Hub) BroadcastMessage(msg *Message) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	h.Broadcast(data)
}

// Run forwards events until ctx is done or the channel closes.
func (h *Hub) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.BroadcastMessage(NewEventMessage(ev))
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}
