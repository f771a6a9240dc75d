// Package memstore provides an in-memory implementation of seen.Store.
// It does not survive restarts; suitable for dev/testing only.
package memstore

import (
	"context"
	"sync"
	"time"
)

// Store holds seen identities in memory.
type Store struct {
	mu    sync.RWMutex
	items map[string]time.Time // identity -> first seen
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{items: make(map[string]time.Time)}
}

// HasSeen reports whether the identity has been marked.
func (s *Store) HasSeen(_ context.Context, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[identity]
	return ok, nil
}

// MarkSeen records the identity. Re-marking keeps the original timestamp.
func (s *Store) MarkSeen(_ context.Context, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[identity]; !ok {
		s.items[identity] = at
	}
	return nil
}

// Prune removes identities first seen before the horizon.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.items {
		if at.Before(olderThan) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
