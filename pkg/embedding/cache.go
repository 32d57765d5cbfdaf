package embedding

import "sync"

// CacheKeyLength bounds cache keys to the first 200 characters of input;
// longer texts that share a 200-char prefix share a cache slot.
const CacheKeyLength = 200

// DefaultCacheSize is the default vector cache capacity.
const DefaultCacheSize = 1000

// vectorCache is a bounded map from text prefix to embedding. Eviction is
// first-inserted-first-out, not LRU: a hit does not renew an entry.
type vectorCache struct {
	mu    sync.Mutex
	max   int
	items map[string][]float32
	order []string // insertion order, oldest first
	hits  uint64
	miss  uint64
}

func newVectorCache(max int) *vectorCache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &vectorCache{
		max:   max,
		items: make(map[string][]float32, max),
	}
}

func cacheKey(text string) string {
	if len(text) > CacheKeyLength {
		return text[:CacheKeyLength]
	}
	return text
}

func (c *vectorCache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[cacheKey(text)]
	if ok {
		c.hits++
	} else {
		c.miss++
	}
	return v, ok
}

func (c *vectorCache) put(text string, vec []float32) {
	key := cacheKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; exists {
		c.items[key] = vec
		return
	}
	if len(c.items) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = vec
	c.order = append(c.order, key)
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// stats returns cumulative hit and miss counts.
func (c *vectorCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.miss
}
