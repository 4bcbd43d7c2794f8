package metrics

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// MemoryStore is the in-process store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     uint64
	metrics    map[uint64]*Metric
	byRequest  map[string]uint64
	aggregates map[string]*Aggregate
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:    make(map[uint64]*Metric),
		byRequest:  make(map[string]uint64),
		aggregates: make(map[string]*Aggregate),
	}
}

func (s *MemoryStore) Insert(_ context.Context, m *Metric) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	c := *m
	s.metrics[m.ID] = &c
	return m.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id uint64) (*Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, id)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, m *Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.metrics[m.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMetric, m.ID)
	}
	if old.RequestID != "" && old.RequestID != m.RequestID {
		delete(s.byRequest, old.RequestID)
	}
	c := *m
	s.metrics[m.ID] = &c
	if m.RequestID != "" {
		s.byRequest[m.RequestID] = m.ID
	}
	return nil
}

func (s *MemoryStore) ByRequest(_ context.Context, requestID string) (*Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: no metric for request %s", ErrUnknownMetric, requestID)
	}
	c := *s.metrics[id]
	return &c, nil
}

func (s *MemoryStore) Fold(_ context.Context, kind string, value *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[kind]
	if !ok {
		agg = &Aggregate{Kind: kind, Sum: new(big.Int)}
		s.aggregates[kind] = agg
	}
	agg.Sum.Add(agg.Sum, value)
	agg.Count++
	return nil
}

func (s *MemoryStore) Aggregate(_ context.Context, kind string) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[kind]
	if !ok {
		return &Aggregate{Kind: kind, Sum: new(big.Int)}, nil
	}
	return &Aggregate{Kind: kind, Sum: new(big.Int).Set(agg.Sum), Count: agg.Count}, nil
}
