package drive

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultThumbMaxAge   = 24 * time.Hour
	DefaultThumbMaxBytes = 50 << 20
	DefaultThumbMaxItem  = 5 << 20
)

// ThumbCache is an in-memory thumbnail cache keyed by Drive file id. Entries
// expire after maxAge; when the byte budget is exceeded the oldest entries
// are evicted first. Items larger than maxItem are never cached.
type ThumbCache struct {
	maxAge   time.Duration
	maxBytes int64
	maxItem  int64
	now      func() time.Time

	mu    sync.Mutex
	order *list.List // oldest at front
	items map[string]*list.Element
	size  int64
}

type thumbEntry struct {
	id          string
	data        []byte
	contentType string
	stored      time.Time
}

// NewThumbCache creates a cache with the given bounds. Zero values select
// the defaults.
func NewThumbCache(maxAge time.Duration, maxBytes, maxItem int64) *ThumbCache {
	if maxAge <= 0 {
		maxAge = DefaultThumbMaxAge
	}
	if maxBytes <= 0 {
		maxBytes = DefaultThumbMaxBytes
	}
	if maxItem <= 0 {
		maxItem = DefaultThumbMaxItem
	}
	return &ThumbCache{
		maxAge:   maxAge,
		maxBytes: maxBytes,
		maxItem:  maxItem,
		now:      time.Now,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// MaxItem returns the largest thumbnail the cache accepts.
func (c *ThumbCache) MaxItem() int64 {
	return c.maxItem
}

// Get returns a cached thumbnail that has not expired.
func (c *ThumbCache) Get(id string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return nil, "", false
	}
	e := el.Value.(*thumbEntry)
	if c.now().Sub(e.stored) > c.maxAge {
		c.remove(el)
		return nil, "", false
	}
	return e.data, e.contentType, true
}

// Put stores a thumbnail. It reports false when the item is too large.
func (c *ThumbCache) Put(id string, data []byte, contentType string) bool {
	n := int64(len(data))
	if n > c.maxItem || n > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.remove(el)
	}
	e := &thumbEntry{id: id, data: data, contentType: contentType, stored: c.now()}
	c.items[id] = c.order.PushBack(e)
	c.size += n

	for c.size > c.maxBytes {
		c.remove(c.order.Front())
	}
	return true
}

// Sweep drops expired entries and returns how many were removed.
func (c *ThumbCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.maxAge)
	removed := 0
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*thumbEntry)
		if !e.stored.Before(cutoff) {
			break
		}
		next := el.Next()
		c.remove(el)
		removed++
		el = next
	}
	return removed
}

// Clear empties the cache.
func (c *ThumbCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

// Len returns the number of cached thumbnails.
func (c *ThumbCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size returns the number of cached bytes.
func (c *ThumbCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *ThumbCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*thumbEntry)
	delete(c.items, e.id)
	c.size -= int64(len(e.data))
}
