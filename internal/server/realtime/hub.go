// Package realtime pushes events to the live WebSocket sessions of a user.
package realtime

import "sync"

// Writer is one live session. *websocket.Conn is wrapped to satisfy it.
type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is a session registered for UserID.
type Connection struct {
	UserID string
	Writer Writer
}

// Hub groups connections per user. Broadcast copies the target set under
// the read lock and writes outside it.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

// Register adds conn to its user's set.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

// Unregister removes conn. Unknown connections are ignored.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

// Broadcast writes message to every connection of userID and returns how
// many writes succeeded. Connections that fail are closed and dropped.
func (h *Hub) Broadcast(userID string, message []byte) int {
	h.mu.RLock()
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
	return len(conns) - len(failed)
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}
