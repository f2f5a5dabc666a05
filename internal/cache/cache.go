package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheEntry represents a cached item.
type CacheEntry struct {
	Data      []byte
	Metadata  map[string]string
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache stores decrypted documents by path for a short time.
type Cache interface {
	// Get retrieves a cached document.
	Get(ctx context.Context, key string) (*CacheEntry, bool)

	// Set stores a document. A zero ttl uses the cache default.
	Set(ctx context.Context, key string, data []byte, metadata map[string]string, ttl time.Duration) error

	// Delete removes a document from the cache.
	Delete(ctx context.Context, key string) error

	// Clear clears all cached documents.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type element struct {
	key   string
	entry *CacheEntry
}

// memoryCache is a size and count bounded LRU.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// Get retrieves a cached document.
func (c *memoryCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*element)
	if e.entry.IsExpired() {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.entry, true
}

// Set stores a document.
func (c *memoryCache) Set(ctx context.Context, key string, data []byte, metadata map[string]string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	entry := &CacheEntry{
		Data:      append([]byte(nil), data...),
		Metadata:  meta,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.evictExpiredLocked()
	for c.order.Len() > 0 && (c.size+entrySize > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	c.entries[key] = c.order.PushFront(&element{key: key, entry: entry})
	c.size += entrySize
	return nil
}

// Delete removes a document from the cache.
func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear clears all cached documents.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked must be called with the lock held.
func (c *memoryCache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*element)
	delete(c.entries, e.key)
	c.size -= int64(len(e.entry.Data))
}

// evictExpiredLocked must be called with the lock held.
func (c *memoryCache) evictExpiredLocked() {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*element).entry.IsExpired() {
			c.removeLocked(el)
			c.stats.Evictions++
		}
		el = prev
	}
}
