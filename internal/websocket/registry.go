package websocket

import (
	"sync"
)

// Registry tracks live transport connections
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic.
// Which player a connection belongs to lives in the session registry; this
// registry only answers "what sockets are open" for shutdown and stats
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	total       uint64
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// RegisterConnection adds conn.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID()] = conn
	r.total++
	return nil
}

// UnregisterConnection removes conn.
// RACE CONDITION FIX: Only removes the entry if it is the same instance
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.ID()]; ok && registered == conn {
		delete(r.connections, conn.ID())
	}
}

// GetConnection looks a connection up by id.
func (r *Registry) GetConnection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[id]
	return conn, ok
}

// Connections returns every open connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every connection; read loops then run their normal
// disconnect cleanup.
func (r *Registry) CloseAll() int {
	conns := r.Connections()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Stats summarizes open connections.
type Stats struct {
	Open          int    `json:"openConnections"`
	Bound         int    `json:"boundConnections"`
	TotalAccepted uint64 `json:"totalAccepted"`
	FramesSent    uint64 `json:"framesSent"`
	FramesDropped uint64 `json:"framesDropped"`
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Open: len(r.connections), TotalAccepted: r.total}
	for _, c := range r.connections {
		if _, _, ok := c.Identity(); ok {
			s.Bound++
		}
		s.FramesSent += c.Sent()
		s.FramesDropped += c.Dropped()
	}
	return s
}
