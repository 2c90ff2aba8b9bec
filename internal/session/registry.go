package session

import (
	"sync"

	"github.com/photonmcp/photon/internal/broker"
)

// Registry owns every live session. The protocol core opens a session when a
// transport connects and closes it on disconnect; everything in between goes
// through lookups here.
//
// All methods are safe for concurrent use.
type Registry struct {
	broker *broker.Broker

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry fanning channel events out via b.
func NewRegistry(b *broker.Broker) *Registry {
	return &Registry{broker: b, sessions: map[string]*Session{}}
}

// Open creates and registers a session for a new connection. Opening an id
// that already exists returns the existing session.
func (r *Registry) Open(id string, n Notifier) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, n)
	r.sessions[id] = s
	return s
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Close tears down a session: invocations cancelled, elicitations rejected,
// broker subscriptions dropped. Closing an unknown id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.broker.UnsubscribeAll(id)
	s.close()
}

// CloseAll tears down every session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for id, s := range sessions {
		r.broker.UnsubscribeAll(id)
		s.close()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broker returns the shared channel broker.
func (r *Registry) Broker() *broker.Broker { return r.broker }
