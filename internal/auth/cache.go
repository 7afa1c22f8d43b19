package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// IdentityCache is a TTL-based in-memory cache with stale-while-revalidate
// for authenticated identities. Uses sync.Map for lock-free reads on the hot path.
type IdentityCache struct {
	store sync.Map // map[string]*identityCacheEntry, keyed by token
	ttl   time.Duration
}

type identityCacheEntry struct {
	identity   *Identity
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Identity     *Identity
	Hit          bool
	NeedsRefresh bool // true if expired; caller should refresh in background
}

// NewIdentityCache creates a cache with the given TTL.
func NewIdentityCache(ttl time.Duration) *IdentityCache {
	return &IdentityCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *IdentityCache) Get(token string) CacheGetResult {
	val, ok := c.store.Load(token)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*identityCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Identity: entry.identity, Hit: true}
	}

	// Stale hit: only one goroutine wins the CAS and refreshes
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores an identity with a fresh TTL.
func (c *IdentityCache) Set(token string, identity *Identity) {
	c.store.Store(token, &identityCacheEntry{
		identity:  identity,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *IdentityCache) Delete(token string) {
	c.store.Delete(token)
}
