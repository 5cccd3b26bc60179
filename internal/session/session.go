// Package session persists the identity of the last connected peripheral so
// a later process can restore the connection without scanning.
package session

import (
	"sync"
)

// Store is the persistence boundary used by the central.
// Failures are never fatal to live connection handling; they only disable
// reconnect-by-identity.
type Store interface {
	SaveConnectedIdentity(id string) error
	// LoadLastIdentity returns the saved identity. ok is false when nothing
	// has been saved.
	LoadLastIdentity() (id string, ok bool, err error)
}

// MemoryStore keeps the identity for the lifetime of the process.
type MemoryStore struct {
	mu sync.RWMutex
	id string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveConnectedIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

func (s *MemoryStore) LoadLastIdentity() (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != "", nil
}

// Forget drops the saved identity.
func (s *MemoryStore) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}
