// Package inmem provides the process-local memory store backend.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/namel3ss/n3flow/memory"
)

// Store keeps entries per key in memory. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]memory.Entry
}

// New builds an empty store.
func New() *Store {
	return &Store{entries: make(map[string][]memory.Entry)}
}

func (s *Store) Append(_ context.Context, key string, entries ...memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(s.entries[key], entries...)
	return nil
}

func (s *Store) Load(_ context.Context, key string) ([]memory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.entries[key]
	out := make([]memory.Entry, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *Store) Prune(_ context.Context, key string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.entries[key]
	kept := stored[:0]
	removed := 0
	for _, e := range stored {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries[key] = kept
	return removed, nil
}
