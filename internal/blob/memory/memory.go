// Package memory archives document payloads in process memory. Development
// and test use only.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Store keeps payloads in a map and hands back memory:// URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory archive.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores a copy of the payload under key.
func (s *Store) Put(_ context.Context, key, _ string, r io.Reader) (string, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}

	s.mu.Lock()
	s.data[key] = payload
	s.mu.Unlock()
	return "memory://" + key, nil
}

// Get returns the stored payload and whether the key exists.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.data[key]
	return payload, ok
}

// Len reports how many payloads are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
