package compute

import (
	"sync"
	"time"
)

// InMemoryValueCache implements ValueCache with a mutex-guarded map.
// Thread-safe for concurrent access.
type InMemoryValueCache struct {
	entries map[cacheKey]ComputedValue
	config  CacheConfig
	mu      sync.RWMutex
}

type cacheKey struct {
	recordID string
	fieldID  string
}

// NewInMemoryValueCache creates an empty in-memory value cache.
func NewInMemoryValueCache(config CacheConfig) *InMemoryValueCache {
	return &InMemoryValueCache{
		entries: make(map[cacheKey]ComputedValue),
		config:  config,
	}
}

func (c *InMemoryValueCache) Get(recordID, fieldID string) (ComputedValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[cacheKey{recordID, fieldID}]
	if !ok {
		return ComputedValue{}, false
	}
	if c.config.TTL > 0 && time.Since(v.ComputedAt) > c.config.TTL {
		return ComputedValue{}, false
	}
	return v, true
}

func (c *InMemoryValueCache) Put(v ComputedValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{v.RecordID, v.FieldID}] = v
	return nil
}

func (c *InMemoryValueCache) PutBatch(vs []ComputedValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range vs {
		c.entries[cacheKey{v.RecordID, v.FieldID}] = v
	}
	return nil
}

func (c *InMemoryValueCache) MarkStale(recordID, fieldID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{recordID, fieldID}
	if v, ok := c.entries[key]; ok {
		v.Stale = true
		c.entries[key] = v
	}
	return nil
}

func (c *InMemoryValueCache) PurgeRecord(recordID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.recordID == recordID {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *InMemoryValueCache) PurgeField(fieldID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.fieldID == fieldID {
			delete(c.entries, key)
		}
	}
	return nil
}
