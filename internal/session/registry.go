package session

import (
	"encoding/hex"
	"sync"
)

// Registry is the process-wide session index, keyed both by full UUID and
// by the 8-byte wire hash. Lookup tries the exact UUID first, then falls
// back to the hash; both keys are registered together, except that a
// colliding hash stays with its first owner (see Register).
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byHash map[[8]byte]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byHash: make(map[[8]byte]*Session),
	}
}

// Register adds a session under both keys. On hash collision, the
// first-registered session keeps the hash slot; the new session is still
// registered by UUID.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	if _, exists := r.byHash[s.Hash]; !exists {
		r.byHash[s.Hash] = s
	}
}

// Remove deletes a session from both indices.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	if r.byHash[s.Hash] == s {
		delete(r.byHash, s.Hash)
	}
}

// Lookup resolves key as a full UUID first; if that misses and key decodes
// as an 8-byte hex hash, falls back to the hash index.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[key]; ok {
		return s, true
	}
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 8 {
		return nil, false
	}
	var h [8]byte
	copy(h[:], raw)
	s, ok := r.byHash[h]
	return s, ok
}

// LookupHash resolves a session directly by its binary wire hash — the path
// used when parsing binary audio frames.
func (r *Registry) LookupHash(h [8]byte) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHash[h]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
