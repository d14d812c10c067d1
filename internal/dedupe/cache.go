// ABOUTME: Thread-safe TTL cache for deduplicating channel updates.
// ABOUTME: Channel adapters consult it before handing an update to the router.

package dedupe

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is the window within which a redelivered update is dropped.
const DefaultTTL = 10 * time.Minute

// DefaultMaxSize caps how many update keys the cache tracks.
const DefaultMaxSize = 10000

// UpdateKey builds the cache key for one channel update. Update IDs are only
// unique per channel, so the channel name is part of the key.
func UpdateKey(channel, updateID string) string {
	return fmt.Sprintf("%s/%s", channel, updateID)
}

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of delivered update
// keys. A doubly-linked list maintains insertion order for O(1) eviction when
// the cache reaches capacity.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest key at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size. Zero values
// select the defaults. A background goroutine periodically removes expired
// entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen returns true if the key was delivered within the TTL window.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks whether a key was already delivered and
// marks it if not. Returns true for a duplicate, false for a new key that is
// now marked. The single lock acquisition prevents the TOCTOU race that
// separate Seen/Mark calls would allow.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records a delivered key. At capacity the oldest entry is evicted.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops every entry older than the TTL.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
