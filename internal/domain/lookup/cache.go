package lookup

import (
	"context"
	"sync"
	"time"
)

// Cache stores resolved terms keyed by code system and code.
type Cache interface {
	Get(ctx context.Context, system, code string) (string, bool, error)
	Set(ctx context.Context, system, code, term string) error
}

type memoryEntry struct {
	term    string
	expires time.Time
}

// MemoryCache is an in-process Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, system, code string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(system, code)]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		delete(c.entries, cacheKey(system, code))
		c.mu.Unlock()
		return "", false, nil
	}
	return e.term, true, nil
}

func (c *MemoryCache) Set(_ context.Context, system, code, term string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(system, code)] = memoryEntry{term: term, expires: c.now().Add(c.ttl)}
	return nil
}

func cacheKey(system, code string) string {
	return system + ":" + code
}
