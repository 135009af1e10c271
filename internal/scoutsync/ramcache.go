package scoutsync

import "sync"

type ramItem struct {
	ent  CachedResponse
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU of cached responses sitting in front of the
// store. It never holds anything the store does not also hold.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func entrySize(ent CachedResponse) int64 {
	return int64(len(ent.URL) + len(ent.Response))
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(url string) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[url]
	if !ok {
		return CachedResponse{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(ent CachedResponse) {
	sz := entrySize(ent)
	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM; the store still has it
		c.Delete(ent.URL)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[ent.URL]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{ent: ent, size: sz}
	c.items[ent.URL] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

func (c *ramCache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[url]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, url)
	c.total -= it.size
}

// evictLocked drops least-recently-used entries, 10% at a time, until the
// cache fits again.
func (c *ramCache) evictLocked() {
	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && c.tail != nil && c.tail != c.head; i++ {
			it := c.tail
			c.remove(it)
			delete(c.items, it.ent.URL)
			c.total -= it.size
		}
		if c.tail == c.head {
			break
		}
		if c.overflowLog != nil {
			c.overflowLog.Warn("ram cache overflow, evicting", "items", len(c.items))
		}
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
