package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback counter store, used when no Redis
// address is configured. Limits then hold per replica, not fleet-wide.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) IncrCheck(_ context.Context, key string, window time.Duration, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key, window)
	if e.value+1 > limit {
		return false, nil
	}
	e.value++
	return true, nil
}

func (s *MemoryStore) Add(_ context.Context, key string, n int64, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key, window)
	e.value += n
	if e.value < 0 {
		e.value = 0
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return 0, nil
	}
	return e.value, nil
}

// entry returns the live entry for key, resetting it if expired. Caller
// holds the lock.
func (s *MemoryStore) entry(key string, window time.Duration) *memoryEntry {
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		e = &memoryEntry{expiresAt: s.now().Add(window + time.Minute)}
		s.entries[key] = e
	}
	return e
}
