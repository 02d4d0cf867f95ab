package store

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// QueryCache — an LRU+TTL map over search results, keyed by (method, args).
// Invalidation is per-method so node writes can purge the search methods
// without touching tag-related entries.
// ---------------------------------------------------------------------------

// Cacheable method names.
const (
	MethodSearch   = "search"
	MethodFulltext = "fulltext"
	MethodHybrid   = "hybrid"
)

type cacheEntry struct {
	method  string
	key     string
	value   any
	expires time.Time
}

// QueryCache is safe for concurrent use.
type QueryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recent
	items    map[string]*list.Element

	hits   uint64
	misses uint64
	clock  func() time.Time
}

// NewQueryCache builds a cache bounded to capacity entries with a fixed TTL.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		clock:    time.Now,
	}
}

// CacheKey builds a deterministic key from heterogeneous arguments. Values
// are encoded with their type so "5" and 5 cannot collide, and maps are
// encoded with sorted keys.
func CacheKey(method string, args ...any) string {
	var b strings.Builder
	b.WriteString(method)
	for _, a := range args {
		b.WriteByte('|')
		encodeArg(&b, a)
	}
	return b.String()
}

func encodeArg(b *strings.Builder, a any) {
	switch v := a.(type) {
	case nil:
		b.WriteString("nil")
	case string:
		fmt.Fprintf(b, "s:%q", v)
	case int:
		fmt.Fprintf(b, "i:%d", v)
	case int64:
		fmt.Fprintf(b, "i:%d", v)
	case float64:
		fmt.Fprintf(b, "f:%g", v)
	case bool:
		fmt.Fprintf(b, "b:%t", v)
	case []string:
		b.WriteString("a:[")
		for i, s := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q", s)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("h:{")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q=>", k)
			encodeArg(b, v[k])
		}
		b.WriteByte('}')
	case *Timeframe:
		if v == nil {
			b.WriteString("tf:nil")
			return
		}
		b.WriteString("tf:[")
		for i, r := range v.Ranges {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%d..%d", r.From.UnixNano(), r.To.UnixNano())
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%T:%v", v, v)
	}
}

// Fetch returns the cached value for (method, args) or computes, stores,
// and returns it. Errors from compute are not cached.
func (c *QueryCache) Fetch(method string, args []any, compute func() (any, error)) (any, error) {
	key := CacheKey(method, args...)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		if c.clock().Before(entry.expires) {
			c.order.MoveToFront(el)
			c.hits++
			c.mu.Unlock()
			return entry.value, nil
		}
		c.removeLocked(el)
	}
	c.misses++
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	el := c.order.PushFront(&cacheEntry{
		method:  method,
		key:     key,
		value:   value,
		expires: c.clock().Add(c.ttl),
	})
	c.items[key] = el
	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Back())
	}
	return value, nil
}

// InvalidateMethods drops every entry belonging to the named methods,
// preserving all others.
func (c *QueryCache) InvalidateMethods(methods ...string) {
	drop := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		drop[m] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if _, ok := drop[el.Value.(*cacheEntry).method]; ok {
			c.removeLocked(el)
		}
		el = next
	}
}

// Clear empties the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Stats reports hits, misses, hit rate, and current size.
func (c *QueryCache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return map[string]any{
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": rate,
		"size":     len(c.items),
	}
}

func (c *QueryCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.order.Remove(el)
}

// setClock is the test hook for TTL expiry.
func (c *QueryCache) setClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}
