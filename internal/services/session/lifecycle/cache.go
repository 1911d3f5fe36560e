package lifecycle

import (
	"container/list"
	"sync"

	"torrentcast/internal/domain"
)

const DefaultCacheCapacity = 10

// Cache is the bounded list of paused sessions. The front holds the most
// recently cached entry and the back is evicted first.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[domain.HandleID]*list.Element
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[domain.HandleID]*list.Element),
	}
}

// Push puts entry at the front, replacing any older entry of the same
// handle, and returns whatever fell off the back.
func (c *Cache) Push(entry domain.CachedEntry) []domain.CachedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[entry.Handle]; ok {
		c.order.Remove(el)
	}
	c.index[entry.Handle] = c.order.PushFront(entry)

	var evicted []domain.CachedEntry
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		e := c.order.Remove(back).(domain.CachedEntry)
		delete(c.index, e.Handle)
		evicted = append(evicted, e)
	}
	return evicted
}

// Take removes and returns the entry for h.
func (c *Cache) Take(h domain.HandleID) (domain.CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[h]
	if !ok {
		return domain.CachedEntry{}, false
	}
	delete(c.index, h)
	return c.order.Remove(el).(domain.CachedEntry), true
}

func (c *Cache) Contains(h domain.HandleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[h]
	return ok
}

// Entries lists the cache front to back.
func (c *Cache) Entries() []domain.CachedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CachedEntry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(domain.CachedEntry))
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Capacity() int {
	return c.capacity
}

// Clear empties the cache and returns what it held, front to back.
func (c *Cache) Clear() []domain.CachedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CachedEntry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(domain.CachedEntry))
	}
	c.order.Init()
	c.index = make(map[domain.HandleID]*list.Element)
	return out
}
