package reconcile

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a memoized sync result is served.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	result    *Result
	at        time.Time
	panelHash string
	taskHash  string
}

// Cache memoizes sync results per caller-supplied request id. It is a
// per-process memoization layer only, never a persistence substitute.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a cache with the given TTL; zero selects the default.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// Get returns the cached result for requestID when it is fresh and was
// computed over the same panel and task content. Stale entries are removed
// on read.
func (c *Cache) Get(requestID, panelHash, taskHash string) (*Result, bool) {
	if requestID == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[requestID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.at) > c.ttl {
		delete(c.entries, requestID)
		return nil, false
	}
	if entry.panelHash != panelHash || entry.taskHash != taskHash {
		return nil, false
	}
	return entry.result, true
}

// Put stores a result keyed by requestID together with the content hashes it
// was computed from.
func (c *Cache) Put(requestID, panelHash, taskHash string, result *Result) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = cacheEntry{
		result:    result,
		at:        c.now(),
		panelHash: panelHash,
		taskHash:  taskHash,
	}
}
