package vcs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 10 * time.Minute
)

type cacheEntry struct {
	path      string
	expiresAt time.Time
}

// RepoCache remembers recently fetched clones. An entry is fresh until its
// absolute expiry; reading it does not extend the window. Capacity
// evictions call OnEvict with the clone path.
type RepoCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

func NewRepoCache(size int, ttl time.Duration, onEvict func(key, path string)) (*RepoCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &RepoCache{ttl: ttl, now: time.Now}
	cache, err := lru.NewWithEvict[string, cacheEntry](size, func(key string, e cacheEntry) {
		if onEvict != nil {
			onEvict(key, e.path)
		}
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// SetClock replaces the time source.
func (c *RepoCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Fresh returns the clone path for key if it was stored within the TTL.
func (c *RepoCache) Fresh(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok || !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.path, true
}

// Put records a fetch of key at path.
func (c *RepoCache) Put(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{path: path, expiresAt: c.now().Add(c.ttl)})
}

func (c *RepoCache) Remove(key string) {
	c.cache.Remove(key)
}

func (c *RepoCache) Len() int {
	return c.cache.Len()
}
