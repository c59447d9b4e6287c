package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory. Thread-safe via RWMutex.
type MemoryStorage struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{states: make(map[string]*State)}
}

func (s *MemoryStorage) Get(ctx context.Context, runID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[runID]; ok {
		// Copy so callers cannot mutate shared state outside the lock.
		val := *st
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Set(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *state
	s.states[state.RunID] = &val
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, runID)
	return nil
}
