package venue

import (
	"sync"
	"time"
)

// Cache 为带过期时间的内存缓存。
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]cacheEntry[V]
	ttl   time.Duration
	now   func() time.Time

	nextSweep time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewCache 返回指定 ttl 的缓存，ttl<=0 时不缓存。
func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		items: make(map[K]cacheEntry[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get 返回未过期的值。
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok {
		if c.now().Before(item.expiresAt) {
			return item.value, true
		}
		delete(c.items, key)
	}
	return zero, false
}

// Set 写入值直到过期。
func (c *Cache[K, V]) Set(key K, value V) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(c.ttl)
	}
	c.items[key] = cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
}

// Len 返回当前保留的条目数（含尚未清理的过期条目）。
func (c *Cache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// sweep 清理全部过期条目，每个 ttl 周期最多执行一次。
func (c *Cache[K, V]) sweep(now time.Time) {
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
