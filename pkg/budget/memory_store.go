package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory. Thread-safe via RWMutex.
type MemoryStorage struct {
	mu    sync.RWMutex
	usage *Usage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Get(ctx context.Context) (*Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.usage == nil {
		return nil, nil // Not found is not an error
	}
	// return copy to avoid race on mutation outside lock
	val := *s.usage
	return &val, nil
}

func (s *MemoryStorage) Set(ctx context.Context, u *Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *u
	s.usage = &val
	return nil
}
