package extract

import (
	"container/list"
	"sync"
)

// embedCache is a small thread-safe LRU of embeddings keyed by the SHA-256
// of the input text. Embeddings are immutable once computed, so there is no
// TTL — capacity is the only bound.
type embedCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits   uint64
	misses uint64
}

type embedEntry struct {
	key string
	vec []float32
}

func newEmbedCache(capacity int) *embedCache {
	if capacity < 1 {
		capacity = 1
	}
	return &embedCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// get returns a copy of the cached vector so callers can mutate (pad) it
// freely.
func (c *embedCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++

	src := el.Value.(*embedEntry).vec
	out := make([]float32, len(src))
	copy(out, src)
	return out, true
}

func (c *embedCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*embedEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&embedEntry{key: key, vec: vec})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*embedEntry).key)
	}
}

func (c *embedCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}
