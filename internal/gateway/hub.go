package gateway

import (
	"sync"
)

// Hub maintains the set of live connections
type Hub struct {
	mu      sync.RWMutex
	clients map[*Connection]struct{}
	closed  bool
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*Connection]struct{})}
}

// Register adds c. It reports false once the hub is shut down.
func (h *Hub) Register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// Unregister removes c
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown kills every connection and refuses new ones until Reopen.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Connection, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Kill()
	}
}

// Reopen accepts registrations again after Shutdown.
func (h *Hub) Reopen() {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
}
