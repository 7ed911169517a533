package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/raffle/pkg/logger"
)

const (
	hubWriteWait  = 5 * time.Second
	hubClientSlot = 64
)

// Hub broadcasts events to connected websocket clients. Clients that fall
// behind are disconnected rather than slowing the bus.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

var _ Sink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events-hub")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Deliver(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and streams events as JSON frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &hubClient{conn: conn, send: make(chan Event, hubClientSlot)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

// readLoop discards inbound frames and detects disconnects.
func (h *Hub) readLoop(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
