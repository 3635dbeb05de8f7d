// Package cache implements the Fallback Cache (component B): a bounded LRU
// keyed by string, with per-entry TTL and "stale-allow" semantics — an
// expired entry is still returned on Get, not silently dropped.
package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	MinSize = 1
	MaxSize = 100_000

	MinTTL = 10 * time.Millisecond
	MaxTTL = 86_400_000 * time.Millisecond
)

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

// Cache is the Fallback Cache. The zero value is not usable; construct with
// New.
type Cache struct {
	serviceName string
	logger      *slog.Logger
	defaultTTL  time.Duration

	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
}

// New validates its arguments per spec §4.B and constructs a Cache.
// serviceName must be non-empty after trimming; maxSize must be in
// [MinSize, MaxSize]; defaultTTL is floored to whole milliseconds and must
// then be in [MinTTL, MaxTTL].
func New(serviceName string, logger *slog.Logger, maxSize int, defaultTTL time.Duration) (*Cache, error) {
	defaultTTL = defaultTTL.Truncate(time.Millisecond)
	if strings.TrimSpace(serviceName) == "" {
		return nil, fmt.Errorf("cache: serviceName must not be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("cache: logger is required")
	}
	if maxSize < MinSize || maxSize > MaxSize {
		return nil, fmt.Errorf("cache: maxSize %d out of range [%d, %d]", maxSize, MinSize, MaxSize)
	}
	if defaultTTL < MinTTL || defaultTTL > MaxTTL {
		return nil, fmt.Errorf("cache: defaultTtlMs %s out of range [%s, %s]", defaultTTL, MinTTL, MaxTTL)
	}

	backing, err := lru.New[string, *entry](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &Cache{
		serviceName: serviceName,
		logger:      logger.With("component", "cache", "service", serviceName),
		defaultTTL:  defaultTTL,
		lru:         backing,
	}, nil
}

func validateKey(key string) error {
	// §9: whitespace-containing keys that are not all-whitespace are
	// accepted — preserve this rather than "fixing" it.
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("cache: key must not be empty or all-whitespace")
	}
	return nil
}

// Set inserts or refreshes key with value, using ttl if positive or the
// cache's default TTL if ttl is zero; a negative ttl is rejected. Re-setting an existing key refreshes both
// its LRU recency and its insertion timestamp. If inserting a new key would
// exceed capacity, the underlying LRU evicts the least-recently-used entry
// (I5).
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		return fmt.Errorf("cache: ttl must not be negative")
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, &entry{value: value, insertedAt: time.Now(), ttl: ttl})
	return nil
}

// Get returns the value stored under key, or (nil, false) if absent. If the
// entry's TTL has elapsed, the stale value is still returned (P4) and a
// debug log is emitted; the entry is not deleted. Accessing an entry
// updates its LRU recency.
func (c *Cache) Get(key string) (any, bool) {
	if err := validateKey(key); err != nil {
		return nil, false
	}

	c.mu.Lock()
	e, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if time.Since(e.insertedAt) > e.ttl {
		c.logger.Debug("returning stale cache entry", "key", key, "age", time.Since(e.insertedAt))
	}
	return e.value, true
}

// Has reports whether key is present, regardless of TTL expiry.
func (c *Cache) Has(key string) bool {
	if err := validateKey(key); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	if err := validateKey(key); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Cleanup purges entries strictly past their TTL and returns the count
// removed. Unlike Get, Cleanup is the one operation that actually evicts
// expired entries — it exists for callers that want to reclaim memory
// proactively rather than relying on LRU pressure.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.insertedAt) > e.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
