package identity

import (
	"sync"
	"time"
)

type cacheEntry struct {
	accountID string
	expiresAt time.Time
}

// PortCache memoises port to account lookups for a bounded time. It is a
// read-through cache over the account store: a miss or an expired entry goes
// back to the store, and any account write must call Invalidate.
type PortCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[int]cacheEntry
	now     func() time.Time
}

func NewPortCache(ttl time.Duration) *PortCache {
	return &PortCache{
		ttl:     ttl,
		entries: make(map[int]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached account for port. An empty accountID with ok=true
// is a cached negative lookup.
func (c *PortCache) Get(port int) (accountID string, ok bool) {
	if c == nil || c.ttl <= 0 {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[port]
	if !found || !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.accountID, true
}

func (c *PortCache) Set(port int, accountID string) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[port] = cacheEntry{accountID: accountID, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops every cached lookup.
func (c *PortCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *PortCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
