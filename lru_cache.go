package formulaengine

import (
	"container/list"
	"sync"
)

// lruCache implements a thread-safe LRU (Least Recently Used) cache with a
// maximum size limit. When the cache is full, the least recently used item
// is evicted to make room for new items.
//
// The engine keeps three independent instances: parsed ASTs, interned
// number values and interned string values. Instances are owned by the
// engine session, never process-wide.
type lruCache struct {
	mu       sync.RWMutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

// lruEntry represents a key-value pair in the LRU cache.
type lruEntry struct {
	key   string
	value interface{}
}

// newLRUCache creates a new LRU cache with the specified capacity.
func newLRUCache(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves a value from the cache. Returns (value, true) if found and
// moves the accessed item to the front (most recent).
func (c *lruCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry).value, true
	}
	return nil, false
}

// Set adds or updates a value in the cache. If the cache is at capacity,
// the least recently used item is evicted. Returns true if an item was
// evicted.
func (c *lruCache) Set(key string, value interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*lruEntry).value = value
		return false
	}

	evicted := false
	if c.lruList.Len() >= c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*lruEntry).key)
			evicted = true
		}
	}

	elem := c.lruList.PushFront(&lruEntry{key: key, value: value})
	c.cache[key] = elem
	return evicted
}

// Clear removes all items from the cache.
func (c *lruCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*list.Element)
	c.lruList = list.New()
}

// Len returns the current number of items in the cache.
func (c *lruCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lruList.Len()
}
