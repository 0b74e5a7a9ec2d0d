package store

import (
	"strings"
	"sync"
	"time"
)

type cacheItem[T any] struct {
	value   T
	expires time.Time
}

// ListCache keeps first-page list responses for a short TTL. Writers call
// Invalidate so readers never see a page older than their own write.
type ListCache[T any] struct {
	ttl   time.Duration
	mu    sync.RWMutex
	items map[string]cacheItem[T]
	now   func() time.Time
}

func NewListCache[T any](ttl time.Duration) *ListCache[T] {
	return &ListCache[T]{ttl: ttl, items: make(map[string]cacheItem[T]), now: time.Now}
}

func (c *ListCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(item.expires) {
		var zero T
		return zero, false
	}
	return item.value, true
}

func (c *ListCache[T]) Set(key string, value T) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = cacheItem[T]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every key starting with prefix; an empty prefix clears
// the cache.
func (c *ListCache[T]) Invalidate(prefix string) {
	c.mu.Lock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}

func (c *ListCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
