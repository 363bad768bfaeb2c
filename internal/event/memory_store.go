package event

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*SecurityEvent // sessionID → events, oldest first
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*SecurityEvent),
	}
}

func (s *MemoryStore) Record(ctx context.Context, e *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events[e.SessionID] = append(s.events[e.SessionID], &cp)
	return nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}

	// Most recent first
	result := make([]*SecurityEvent, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
