package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"potholecam/internal/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// the dashboard is served from the same process; auth is by token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades dashboard connections. Each new client first receives
// the current controller state.
type Handler struct {
	hub   *Hub
	state func() session.State
}

// NewHandler creates a handler. state may be nil.
func NewHandler(hub *Hub, state func() session.State) *Handler {
	return &Handler{hub: hub, state: state}
}

// ServeHTTP handles GET /ws/session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Debugw("Upgrade failed", "error", err)
		return
	}
	c := h.hub.Register(conn)

	if h.state != nil {
		data, err := json.Marshal(NewStateMessage(h.state()))
		if err == nil {
			err = c.write(websocket.TextMessage, data)
		}
		if err != nil {
			h.hub.Unregister(c)
			return
		}
	}

	go h.readPump(c)
}

// readPump keeps the connection alive and notices disconnects. The client
// is not expected to send anything.
func (h *Handler) readPump(c *client) {
	defer h.hub.Unregister(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debugw("Read error", "error", err)
			}
			return
		}
	}
}
