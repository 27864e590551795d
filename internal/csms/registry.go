package csms

import "sync"

// Registry tracks connected station sessions. One session per station id;
// the session removes itself on disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Add registers the session, returning the displaced session when the id
// was already connected.
func (r *Registry) Add(s *session) (displaced *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.sessions[s.stationID]
	r.sessions[s.stationID] = s
	return displaced
}

// Remove drops the session only if it still owns the id. A replacement
// session under the same id is left alone.
func (r *Registry) Remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.stationID] == s {
		delete(r.sessions, s.stationID)
	}
}

// Get returns the session for the station, or nil.
func (r *Registry) Get(stationID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[stationID]
}

// IDs lists connected station ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Len reports the number of connected stations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
