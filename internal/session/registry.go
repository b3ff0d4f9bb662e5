package session

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps session name to Session, guarded by a single read-write
// lock. Fine-grained per-Session locks were considered and rejected: PTY
// I/O doesn't need the lock because it flows through the atomic FD cell
// and the broadcast channel, not the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// ErrSessionExists is returned by Add when the name or workspace collides
// with an existing session; Existing names the session that already holds
// the slot so the caller can respond with it.
type ErrSessionExists struct {
	Existing string
}

func (e *ErrSessionExists) Error() string {
	return fmt.Sprintf("session already exists: %s", e.Existing)
}

// Add inserts a new session, rejecting a name or workspace collision.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[s.Name]; ok {
		return &ErrSessionExists{Existing: existing.Name}
	}
	for _, existing := range r.sessions {
		if existing.Workspace == s.Workspace {
			return &ErrSessionExists{Existing: existing.Name}
		}
	}
	r.sessions[s.Name] = s
	return nil
}

// Get looks a session up by name, or — when key contains a path separator —
// by workspace path.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.ContainsRune(key, '/') {
		for _, s := range r.sessions {
			if s.Workspace == key {
				return s, true
			}
		}
		return nil, false
	}
	s, ok := r.sessions[key]
	return s, ok
}

// Remove deletes a session from the map. It does not tear down the
// session's resources — callers destroy those separately and then call
// Remove to take the name out of the map.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// List returns a snapshot slice of every session, for the Ls request.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the current number of sessions (used by the daemon's idle check).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
