package export

import (
	"context"
	"sync"
)

// MemoryStore is the in-process job store used in tests and DSN-less
// deployments. Completed CSVs then live only as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string]*Job
}

// NewMemoryStore creates an empty in-memory export store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byToken: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.byToken[job.Token] = &cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.byToken[job.Token] = &cp
	return nil
}

func (s *MemoryStore) GetByToken(_ context.Context, token string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byToken[token]
	if !ok {
		return nil, &NotFoundError{Token: token}
	}
	cp := *job
	return &cp, nil
}
