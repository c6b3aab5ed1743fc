package terminology

import (
	"sync"
	"time"
)

// cacheEntry holds cached candidates with a timestamp for TTL expiration.
type cacheEntry struct {
	candidates []Candidate
	fetchedAt  time.Time
}

// Cache is a thread-safe in-memory candidate cache keyed by
// (system, normalized term). Expired entries are cleaned up lazily on
// Get() — no background goroutine. The cache may be absent entirely (a nil
// *Cache is valid and behaves as a permanent miss).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a new cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func cacheKey(system, term string) string {
	return system + "\x00" + normalizeTerm(term)
}

// Get returns cached candidates if present and not expired.
func (c *Cache) Get(system, term string) ([]Candidate, bool) {
	if c == nil {
		return nil, false
	}
	key := cacheKey(system, term)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Expired — clean up lazily. Re-check under write lock: a
		// concurrent Set() may have replaced the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.candidates, true
}

// Set stores candidates with the current timestamp. Writes are best-effort;
// a nil cache silently drops them.
func (c *Cache) Set(system, term string, candidates []Candidate) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(system, term)] = &cacheEntry{
		candidates: candidates,
		fetchedAt:  time.Now(),
	}
	c.mu.Unlock()
}
