package store

import (
	"context"
	"sync"
)

// MemoryStore keeps states for the life of the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(orderID), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, orderID string, from []State, next State) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current(orderID)
	if !allowed(from, cur) {
		return cur, false, nil
	}
	if next == StatePending {
		delete(s.states, orderID)
	} else {
		s.states[orderID] = next
	}
	return cur, true, nil
}

func (s *MemoryStore) current(orderID string) State {
	if st, ok := s.states[orderID]; ok {
		return st
	}
	return StatePending
}

func (s *MemoryStore) Close() error { return nil }
