package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore[V any] struct {
	mu   sync.Mutex
	data map[string]V
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{data: make(map[string]V)}
}

func (s *MemoryStore[V]) Load(_ context.Context) (map[string]V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (s *MemoryStore[V]) Save(_ context.Context, data map[string]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = normalizeKeys(data)
	return nil
}

func (s *MemoryStore[V]) SetOne(_ context.Context, symbol string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[NormalizeSymbol(symbol)] = value
	return nil
}

func (s *MemoryStore[V]) Delete(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, NormalizeSymbol(symbol))
	return nil
}

func (s *MemoryStore[V]) Update(_ context.Context, fn func(map[string]V) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on a copy so a failing fn leaves the document untouched.
	working := s.snapshot()
	if err := fn(working); err != nil {
		return err
	}
	s.data = normalizeKeys(working)
	return nil
}

// snapshot copies the map; caller holds mu.
func (s *MemoryStore[V]) snapshot() map[string]V {
	out := make(map[string]V, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
