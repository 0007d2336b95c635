// Package cache implements the URL-keyed, TTL-expiring content cache.
package cache

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/metrics"
)

// Default cache settings.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

// Config controls cache behavior.
type Config struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

type entry struct {
	value     crawler.Cached
	storedAt  time.Time
	ttl       time.Duration
	expiresAt time.Time
}

// Cache stores crawl results under normalized URL keys. One stored result may
// live under several alias keys; eviction is least-recently-used per key.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	clock crawler.Clock
	store *lru.Cache
}

// New builds a Cache. Non-positive TTL or size fall back to the defaults.
func New(cfg Config, clock crawler.Clock) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	store := lru.New(cfg.MaxEntries)
	store.OnEvicted = func(lru.Key, interface{}) {
		metrics.ObserveCacheEviction()
	}
	return &Cache{
		cfg:   cfg,
		clock: clock,
		store: store,
	}
}

// Enabled reports whether lookups and writes are active.
func (c *Cache) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Get looks up rawURL. It returns the cached value, lookup diagnostics and
// whether it was a live hit. Diagnostics are nil when the cache is disabled.
// A hit refreshes the entry's recency.
func (c *Cache) Get(rawURL string) (crawler.Cached, *crawler.CacheInfo, bool) {
	if !c.Enabled() {
		return crawler.Cached{}, nil, false
	}
	key := NormalizeKey(rawURL)
	if key == "" {
		return crawler.Cached{}, nil, false
	}

	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	miss := &crawler.CacheInfo{Hit: false, Key: key, TTLMs: c.cfg.TTL.Milliseconds()}
	raw, ok := c.store.Get(key)
	if !ok {
		metrics.ObserveCacheLookup("miss")
		return crawler.Cached{}, miss, false
	}
	e, ok := raw.(*entry)
	if !ok || !e.expiresAt.After(now) {
		c.store.Remove(key)
		metrics.ObserveCacheLookup("expired")
		return crawler.Cached{}, miss, false
	}

	metrics.ObserveCacheLookup("hit")
	return e.value, &crawler.CacheInfo{
		Hit:   true,
		Key:   key,
		TTLMs: e.ttl.Milliseconds(),
		AgeMs: now.Sub(e.storedAt).Milliseconds(),
	}, true
}

// Set stores value under every distinct normalized key among rawURLs and
// returns the TTL applied, or zero when the cache is disabled.
func (c *Cache) Set(rawURLs []string, value crawler.Cached) time.Duration {
	if !c.Enabled() {
		return 0
	}
	now := c.clock.Now()
	e := &entry{
		value:     value,
		storedAt:  now,
		ttl:       c.cfg.TTL,
		expiresAt: now.Add(c.cfg.TTL),
	}

	seen := make(map[string]struct{}, len(rawURLs))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range rawURLs {
		key := NormalizeKey(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.store.Add(key, e)
	}
	return c.cfg.TTL
}

// Key returns the normalized key rawURL is stored under.
func (c *Cache) Key(rawURL string) string {
	return NormalizeKey(rawURL)
}

var _ crawler.ContentCache = (*Cache)(nil)

// Len returns the number of keys currently held, including expired ones not yet reclaimed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Clear()
}
