package analyzer

import (
	"sync"
	"time"
)

// defaultTTL bounds how long a cached analysis stays valid. There is no
// background sweeper: expiry is checked on read, which is sufficient for
// the expected cache size.
const defaultTTL = 5 * time.Minute

type cacheEntry struct {
	requirements *ProjectRequirements
	storedAt     time.Time
}

// resultCache is a TTL cache keyed by absolute project path. Concurrent
// analyses of the same path are serialized through a per-key mutex so
// only one does the work; a duplicate analysis would be wasted effort,
// not a correctness bug.
type resultCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	keyLock map[string]*sync.Mutex
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		keyLock: make(map[string]*sync.Mutex),
	}
}

// lockKey returns the mutex serializing analyses for one path.
func (c *resultCache) lockKey(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keyLock[path]
	if !ok {
		m = &sync.Mutex{}
		c.keyLock[path] = m
	}
	return m
}

// get returns a cached result if present and not expired.
func (c *resultCache) get(path string) (*ProjectRequirements, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, path)
		return nil, false
	}
	return entry.requirements, true
}

func (c *resultCache) put(path string, req *ProjectRequirements) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{requirements: req, storedAt: time.Now()}
}

func (c *resultCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
