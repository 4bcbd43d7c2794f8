package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in memory. Used by tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *e
	s.entries = append(s.entries, &val)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sequence uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequence == 0 || sequence > uint64(len(s.entries)) {
		return nil, ErrEntryNotFound
	}
	val := *s.entries[sequence-1]
	return &val, nil
}

func (s *MemoryStore) Count(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

func (s *MemoryStore) Range(ctx context.Context, start, end time.Time) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			val := *e
			out = append(out, &val)
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, "genesis", nil
	}
	last := s.entries[len(s.entries)-1]
	return last.Sequence, last.EntryHash, nil
}
