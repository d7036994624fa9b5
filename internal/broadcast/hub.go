// Package broadcast owns the websocket client set and the single-writer
// event loop that mutates live state and fans frames out to clients.
package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Client wraps one websocket connection. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected clients. Frames are sent best-effort; any send
// error drops the client with no retry and no per-client queue.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

func (h *Hub) Add(conn *websocket.Conn) *Client {
	c := &Client{conn: conn}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ClientsConnected.Set(float64(n))
	return c
}

func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		metrics.ClientsConnected.Set(float64(n))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SendTo delivers one frame to one client, dropping it on error.
func (h *Hub) SendTo(c *Client, frame []byte) bool {
	if err := c.send(frame); err != nil {
		h.Remove(c)
		metrics.ClientsDroppedTotal.Inc()
		return false
	}
	return true
}

// Broadcast serializes the frame once per call site; here it only fans
// the prebuilt bytes out.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(frame); err != nil {
			h.Remove(c)
			metrics.ClientsDroppedTotal.Inc()
			h.logger.Debug("client dropped", zap.Error(err))
		}
	}
}
