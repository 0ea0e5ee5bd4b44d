package cache

import (
	"context"
	"sync"
	"time"

	"github.com/j6k4m8/jque/internal/models"
)

// Cache stores query results keyed by collection revision and canonical
// filter, so entries can never outlive the data they were computed from.
// Get returns the result if present and not expired; Set stores with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.QueryResult, bool, error)
	Set(ctx context.Context, key string, value models.QueryResult, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries
// are dropped on access.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
}

type cacheEntry struct {
	value     models.QueryResult
	expiresAt time.Time
}

// NewInMemoryCache returns an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{data: make(map[string]cacheEntry)}
}

// Get returns (result, true, nil) on a hit, (zero, false, nil) on a miss or
// expired entry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.QueryResult, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.QueryResult{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another Set may have refreshed it.
		if cur, ok := c.data[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return models.QueryResult{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores a result that expires after ttl.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.QueryResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
