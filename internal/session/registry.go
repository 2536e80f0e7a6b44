package session

import "sync"

// Registry is the process-wide table of active sessions. Entries are
// added and removed by the negotiators themselves; readers get live
// pointers whose own locking makes unregister-during-callback safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Negotiator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Negotiator)}
}

// Register adds a negotiator under its session id, replacing nothing:
// registering an id twice reports false and keeps the original.
func (r *Registry) Register(n *Negotiator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[n.sess.ID]; exists {
		return false
	}
	r.sessions[n.sess.ID] = n
	return true
}

// Unregister removes the entry for id. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the negotiator for id.
func (r *Registry) Get(id string) (*Negotiator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.sessions[id]
	return n, ok
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the status of every active session.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	all := make([]*Negotiator, 0, len(r.sessions))
	for _, n := range r.sessions {
		all = append(all, n)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(all))
	for _, n := range all {
		out = append(out, n.Status())
	}
	return out
}

// CloseAll closes every active session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	all := make([]*Negotiator, 0, len(r.sessions))
	for _, n := range r.sessions {
		all = append(all, n)
	}
	r.mu.RUnlock()

	for _, n := range all {
		n.Close(reason)
	}
}
