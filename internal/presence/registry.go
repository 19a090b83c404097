// Package presence tracks which users are reachable over real-time
// connections. The registry is the sole writer of a user's online flag and
// last-seen timestamp.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeListener is invoked after a user flips between online and offline.
// Called outside the registry lock; implementations fan the change out
// (WebSocket broadcast, Redis mirror).
type ChangeListener func(userID uuid.UUID, online bool, lastSeen time.Time)

// Registry maps a user id to the set of currently-open connection ids.
// A user may hold several connections at once (devices, tabs); the user is
// online while at least one remains.
type Registry struct {
	mu       sync.RWMutex
	conns    map[uuid.UUID]map[uuid.UUID]struct{}
	lastSeen map[uuid.UUID]time.Time

	listeners []ChangeListener
	now       func() time.Time
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		lastSeen: make(map[uuid.UUID]time.Time),
		now:      time.Now,
	}
}

// OnChange registers a listener for online/offline transitions.
// Not safe to call after connections start registering.
func (r *Registry) OnChange(l ChangeListener) {
	r.listeners = append(r.listeners, l)
}

// RegisterConnection adds the connection to the user's set. The first
// connection flips the user online and clears last-seen. Idempotent for a
// repeated (user, connection) pair.
func (r *Registry) RegisterConnection(userID, connID uuid.UUID) {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.conns[userID] = set
	}
	wasEmpty := len(set) == 0
	set[connID] = struct{}{}
	if wasEmpty {
		delete(r.lastSeen, userID)
	}
	r.mu.Unlock()

	if wasEmpty {
		r.notify(userID, true, time.Time{})
	}
}

// RemoveConnection removes the connection from the user's set. The last
// connection flips the user offline and stamps last-seen. A no-op for an
// unknown pair, so duplicate disconnect events are tolerated.
func (r *Registry) RemoveConnection(userID, connID uuid.UUID) {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := set[connID]; !present {
		r.mu.Unlock()
		return
	}
	delete(set, connID)
	becameOffline := len(set) == 0
	var seen time.Time
	if becameOffline {
		delete(r.conns, userID)
		seen = r.now()
		r.lastSeen[userID] = seen
	}
	r.mu.Unlock()

	if becameOffline {
		r.notify(userID, false, seen)
	}
}

// IsOnline reports whether the user has at least one open connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// ConnectionsFor returns a snapshot of the user's connection ids. The live
// set may change concurrently; callers must tolerate staleness.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// LastSeen returns when the user last went offline. Zero for a user who is
// online or was never seen.
func (r *Registry) LastSeen(userID uuid.UUID) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen[userID]
}

// OnlineCount returns the number of users currently online
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) notify(userID uuid.UUID, online bool, lastSeen time.Time) {
	for _, l := range r.listeners {
		l(userID, online, lastSeen)
	}
}
