package lawsuit

import (
	"context"
	"sort"
	"sync"

	"courtbot/court"
)

// MemoryStore keeps cases in process memory. It is used by tests and by
// single-node deployments that accept losing state on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]court.Case
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]court.Case)}
}

func (s *MemoryStore) Create(_ context.Context, c court.Case) (court.Case, error) {
	if err := validateNew(c); err != nil {
		return court.Case{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.ID]; exists {
		return court.Case{}, court.ErrDuplicateCase
	}
	s.cases[c.ID] = c
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (court.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return court.Case{}, court.ErrNotFound
	}
	return c, nil
}

// Transition does not know about votes; callers withdrawing a case must
// check the ledger under the same per-case lock.
func (s *MemoryStore) Transition(_ context.Context, p TransitionParams) (court.Case, error) {
	if err := ValidateTransition(p); err != nil {
		return court.Case{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[p.ID]
	if !ok {
		return court.Case{}, court.ErrNotFound
	}
	if c.State != p.From {
		return court.Case{}, court.ErrStaleState
	}
	apply(&c, p)
	s.cases[p.ID] = c
	return c, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]court.Case, error) {
	s.mu.RLock()
	out := make([]court.Case, 0, len(s.cases))
	for _, c := range s.cases {
		if f.matches(c) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
