package cache

import (
	"sync"
)

// Cache is a minimal concurrency-safe map used to track in-flight jobs by ID.
type Cache[T any] struct {
	entries map[string]T
	mutex   sync.RWMutex
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]T),
	}
}

func (c *Cache[T]) Get(jobID string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	info, ok := c.entries[jobID]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) Has(jobID string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.entries[jobID]
	return ok
}

// StoreIfAbsent stores value under jobID unless an entry already exists,
// reporting whether the store happened.
func (c *Cache[T]) StoreIfAbsent(jobID string, value T) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.entries[jobID]; ok {
		return false
	}
	c.entries[jobID] = value
	return true
}

func (c *Cache[T]) Store(jobID string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[jobID] = value
}

func (c *Cache[T]) Remove(jobID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, jobID)
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
