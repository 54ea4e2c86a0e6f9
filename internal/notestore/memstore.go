package notestore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// MemStore is an in-process [Store]. Events are lost when the process exits.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]notes.Event
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]notes.Event)}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, sessionID string, events []notes.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], events...)
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sessionID string, limit int) ([]notes.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, ErrNotFound)
	}
	return slices.Clone(tail(events, limit)), nil
}

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
