// ABOUTME: Thread-safe TTL cache of tool-call ids, in flight or recently completed.
// ABOUTME: Lets the tool bridge reject a callback whose call id was already used.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by the tool bridge.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	completedAt time.Time
	element     *list.Element // nil while in flight
}

// Cache tracks call ids. An id is claimed when a call starts and stays
// claimed until Done; after that it is remembered for the TTL. In-flight ids
// are never evicted. Completed ids are kept in completion order so the
// oldest can be evicted in O(1) when the cache is full.
type Cache struct {
	mu        sync.Mutex
	ids       map[string]*entry
	completed *list.List // completed ids, oldest at front
	ttl       time.Duration
	maxSize   int
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache. A background goroutine periodically forgets
// completed ids older than ttl.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		ids:       make(map[string]*entry),
		completed: list.New(),
		ttl:       ttl,
		maxSize:   maxSize,
		done:      make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim marks id as in flight. It returns false when the id is already in
// flight or completed within the TTL.
func (c *Cache) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[id]; ok {
		if e.element == nil || time.Since(e.completedAt) < c.ttl {
			return false
		}
		c.completed.Remove(e.element)
		delete(c.ids, id)
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldest()
	}
	c.ids[id] = &entry{}
	return true
}

// Done moves a claimed id to completed, starting its TTL. Unknown ids are
// recorded as completed too.
func (c *Cache) Done(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	if !ok {
		if len(c.ids) >= c.maxSize {
			c.evictOldest()
		}
		e = &entry{}
		c.ids[id] = e
	}
	if e.element != nil {
		c.completed.Remove(e.element)
	}
	e.completedAt = time.Now()
	e.element = c.completed.PushBack(id)
}

// Seen reports whether id is in flight or completed within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	if !ok {
		return false
	}
	return e.element == nil || time.Since(e.completedAt) < c.ttl
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// evictOldest forgets the oldest completed id. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.completed.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.completed.Remove(front)
	delete(c.ids, id)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.done:
			return
		}
	}
}

// expire forgets completed ids older than the TTL. Completion order means
// it can stop at the first id still within the TTL.
func (c *Cache) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.completed.Front(); front != nil; front = c.completed.Front() {
		id, _ := front.Value.(string)
		e := c.ids[id]
		if e != nil && now.Sub(e.completedAt) < c.ttl {
			return
		}
		c.completed.Remove(front)
		delete(c.ids, id)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
