// Package cache is a bounded TTL blob cache. It holds OAuth tokens,
// hot consent documents, and idempotency receipts; every entry carries
// its own absolute deadline taken from the injected clock, and expired
// entries read as misses.
package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openfinancebr/receptor/clock"
)

// Key prefixes for the cache's known uses. Prefix eviction relies on
// these being stable.
const (
	PrefixToken       = "token/"
	PrefixConsent     = "consent/"
	PrefixIdempotency = "idem/"
)

type entry struct {
	blob     []byte
	deadline time.Time
}

// Cache is a fixed-capacity LRU of deadline-bearing blobs. Safe for
// concurrent use.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	clock clock.Clock
}

// New returns a Cache bounded at |capacity| entries.
func New(capacity int, clk clock.Clock) (*Cache, error) {
	var inner, err = lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: inner, clock: clk}, nil
}

// Put stores |blob| under |key| for |ttl|. Non-positive TTLs are
// dropped rather than stored pre-expired.
func (c *Cache) Put(key string, blob []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry{blob: blob, deadline: c.clock.Now().Add(ttl)})
}

// Get returns the blob under |key|, or false on a miss. An expired
// entry is evicted on sight and reads as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.deadline) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.blob, true
}

// Evict removes |key| if present.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// EvictPrefix removes every entry whose key begins with |prefix|.
func (c *Cache) EvictPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Len returns the number of resident entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
