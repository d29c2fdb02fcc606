// Package session tracks live connections per user: an
// in-process concurrent map from user id to the set of that user's live
// connection ids, plus an ephemeral-store mirror used to make a user's
// connections discoverable across process instances.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is a thread-safe user_id -> set<connection_id> map. Mutations
// are atomic with respect to concurrent UserOf lookups.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[uuid.UUID]struct{}
	byConn map[uuid.UUID]uuid.UUID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byConn: make(map[uuid.UUID]uuid.UUID),
	}
}

// Attach records that connectionID belongs to userID.
func (r *Registry) Attach(userID, connectionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[uuid.UUID]struct{})
		r.byUser[userID] = conns
	}
	conns[connectionID] = struct{}{}
	r.byConn[connectionID] = userID
}

// Detach removes connectionID from the registry and returns the user it
// belonged to. ok is false if the connection was not registered.
func (r *Registry) Detach(connectionID uuid.UUID) (userID uuid.UUID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.byConn[connectionID]
	if !ok {
		return uuid.Nil, false
	}
	delete(r.byConn, connectionID)

	conns := r.byUser[userID]
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
	return userID, true
}

// ConnectionsOf returns the set of live connection ids for userID.
func (r *Registry) ConnectionsOf(userID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]uuid.UUID, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// UserOf returns the user owning connectionID, if any.
func (r *Registry) UserOf(connectionID uuid.UUID) (userID uuid.UUID, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok = r.byConn[connectionID]
	return userID, ok
}

// ConnectionCount returns the number of live connections for userID. The
// caller treats zero as "this user is now offline".
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// TotalConnections returns the number of connections tracked across all
// users.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
