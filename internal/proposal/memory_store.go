package proposal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in tests and DSN-less deployments.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Proposal
	claimed map[string]bool
}

// NewMemoryStore creates an empty in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Proposal), claimed: make(map[string]bool)}
}

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to State, mutate func(*Proposal)) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if p.State != from {
		return nil, ErrConflict
	}
	if mutate != nil {
		mutate(p)
	}
	p.State = to
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ClaimExecution(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if p.State != StateApproved || s.claimed[id] {
		return nil, ErrConflict
	}
	s.claimed[id] = true
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ReleaseExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
	return nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proposal
	for _, p := range s.byID {
		if p.State.Terminal() || p.ExpiresAt.IsZero() || p.ExpiresAt.After(now) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}
