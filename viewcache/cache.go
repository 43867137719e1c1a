package viewcache

import (
	"bytes"
	"sync"

	"github.com/calcgrid/go-libviewcache/identifier"
)

// Cache holds the values computed during one cycle of one calculation
// configuration of a view, keyed by value Identifier.
//
// A Cache is safe for concurrent use. Stored values are copied on the way in;
// values returned by GetValue and GetValues must not be modified.
type Cache struct {
	mutex  sync.RWMutex
	values map[identifier.Identifier][]byte
}

func NewCache() *Cache {
	return &Cache{
		values: make(map[identifier.Identifier][]byte),
	}
}

// PutValue stores value under id, replacing any previous value.
func (c *Cache) PutValue(id identifier.Identifier, value []byte) {
	value = bytes.Clone(value)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.values[id] = value
}

// PutValues stores all values. Readers see either none or all of them.
func (c *Cache) PutValues(values map[identifier.Identifier][]byte) {
	if len(values) == 0 {
		return
	}
	copies := make(map[identifier.Identifier][]byte, len(values))
	for id, value := range values {
		copies[id] = bytes.Clone(value)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, value := range copies {
		c.values[id] = value
	}
}

// GetValue returns the value stored under id, and whether there was one.
func (c *Cache) GetValue(id identifier.Identifier) ([]byte, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, ok := c.values[id]
	return value, ok
}

// GetValues returns the values stored for ids. Identifiers without a value
// are omitted from the result.
func (c *Cache) GetValues(ids []identifier.Identifier) map[identifier.Identifier][]byte {
	values := make(map[identifier.Identifier][]byte, len(ids))

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for _, id := range ids {
		if value, ok := c.values[id]; ok {
			values[id] = value
		}
	}
	return values
}

// Clone returns an independent copy of the cache. Later writes to either
// cache are not seen by the other.
func (c *Cache) Clone() *Cache {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	values := make(map[identifier.Identifier][]byte, len(c.values))
	for id, value := range c.values {
		values[id] = bytes.Clone(value)
	}
	return &Cache{
		values: values,
	}
}

func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.values)
}
