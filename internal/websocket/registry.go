package websocket

import (
	"sync"

	"lingualink/pkg/types"
)

// Registry tracks the live connection of each party on this instance.
// A party has at most one connection; a newer one replaces the older.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// RegisterConnection adds conn, closing any connection it replaces.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	partyID := conn.GetPartyID()

	r.mu.Lock()
	existing, replaced := r.connections[partyID]
	r.connections[partyID] = conn
	r.mu.Unlock()

	// Closed outside the lock; its read pump unregisters itself and is a no-op
	// because it no longer matches.
	if replaced && existing != conn {
		_ = existing.Close()
	}
	return nil
}

// UnregisterConnection removes conn if it is still the party's current
// connection. It reports whether anything was removed.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}

	partyID := conn.GetPartyID()
	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[partyID]
	if !exists || registered != conn {
		return false
	}
	delete(r.connections, partyID)
	return true
}

// GetPartyConnection returns the party's connection on this instance.
func (r *Registry) GetPartyConnection(partyID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[partyID]
	return conn, exists
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}

// GetStats returns connection counts by role.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections": len(r.connections),
		"tutors":            0,
		"students":          0,
	}
	for _, conn := range r.connections {
		switch conn.GetRole() {
		case types.RoleTutor:
			stats["tutors"]++
		case types.RoleStudent:
			stats["students"]++
		}
	}
	return stats
}
