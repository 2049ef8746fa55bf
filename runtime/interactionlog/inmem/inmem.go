// Package inmem provides an in-memory interactionlog.Store for testing and
// local development.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/quest/runtime/interactionlog"
)

// Store implements interactionlog.Store in memory, ordered by append time.
type Store struct {
	mu      sync.RWMutex
	entries []*interactionlog.Entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{}
}

// Append stores a copy of the entry.
func (s *Store) Append(_ context.Context, e *interactionlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	s.entries = append(s.entries, &c)
	return nil
}

// List returns up to limit entries for runID, oldest first.
func (s *Store) List(_ context.Context, runID string, limit int) ([]*interactionlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interactionlog.Entry
	for _, e := range s.entries {
		if e.RunID != runID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
