package store

import (
	"context"
	"sync"
	"time"

	"bursary/internal/sequence/models"
)

// InMemoryStore keeps counters in a map. It honors the same create-if-absent
// and compare-and-swap contracts as the persistent stores so the service's
// retry loop can be exercised without a database.
type InMemoryStore struct {
	mu       sync.Mutex
	counters map[string]models.Counter
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{counters: make(map[string]models.Counter)}
}

func (s *InMemoryStore) Create(_ context.Context, counter models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.Key(counter.Namespace, counter.Period)
	if _, ok := s.counters[key]; ok {
		return ErrConflict
	}
	counter.UpdatedAt = time.Now()
	s.counters[key] = counter
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, namespace, period string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter, ok := s.counters[models.Key(namespace, period)]; ok {
		return counter, nil
	}
	return models.Counter{}, ErrNotFound
}

func (s *InMemoryStore) Increment(_ context.Context, namespace, period string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.Key(namespace, period)
	counter, ok := s.counters[key]
	if !ok {
		return 0, ErrNotFound
	}
	if counter.LastValue != expected {
		return 0, ErrConflict
	}
	counter.LastValue++
	counter.UpdatedAt = time.Now()
	s.counters[key] = counter
	return counter.LastValue, nil
}
