// Package hub tracks the tunnels currently relaying for each session so
// that tearing a session down also severs its live connections.
package hub

import (
	"io"
	"sync"
)

type Connection struct {
	SessionID string
	Conn      io.Closer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.SessionID] == nil {
		h.connections[conn.SessionID] = make(map[*Connection]struct{})
	}
	h.connections[conn.SessionID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.SessionID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.SessionID)
	}
}

func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

// CloseSession closes and forgets every connection of a session and
// returns how many there were.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	set := h.connections[sessionID]
	delete(h.connections, sessionID)
	h.mu.Unlock()

	for c := range set {
		_ = c.Conn.Close()
	}
	return len(set)
}
