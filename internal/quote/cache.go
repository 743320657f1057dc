package quote

import (
	"strings"
	"sync"
	"time"

	"trade_go/internal/domain"
)

// microCache absorbs near-duplicate batches across adjacent windows.
// Entries are keyed by (mode, exact sorted instrument set) and live for a
// very short TTL; absence is never an error.
type microCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	quotes    map[string]domain.Quote
	expiresAt time.Time
}

func newMicroCache() *microCache {
	return &microCache{entries: make(map[string]cacheEntry)}
}

// cacheKey builds the lookup key from a mode and already-sorted ids
func cacheKey(mode string, sortedIDs []string) string {
	return mode + "|" + strings.Join(sortedIDs, ",")
}

// get returns the cached result set if it has not expired
func (c *microCache) get(key string) (map[string]domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.quotes, true
}

// put stores a successful result set. A TTL of zero disables caching.
func (c *microCache) put(key string, quotes map[string]domain.Quote, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{quotes: quotes, expiresAt: time.Now().Add(ttl)}

	// Opportunistic sweep to keep the map bounded under churn
	if len(c.entries) > 256 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

// size returns the number of live entries (expired entries may linger
// until swept or read).
func (c *microCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
