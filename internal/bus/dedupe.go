package bus

import (
	"container/list"
	"sync"
	"time"
)

type dedupeEntry struct {
	seen    time.Time
	element *list.Element
}

// DedupeCache remembers recently seen message keys so redelivered platform
// updates do not enqueue a second turn. Entries expire after ttl; the oldest
// entry is evicted once maxSize is reached.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// IsDuplicate atomically checks and marks key. Returns true if key was seen
// within the TTL. Empty keys are never duplicates.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	for c.maxSize > 0 && len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		delete(c.seen, front.Value.(string))
		c.order.Remove(front)
	}

	c.seen[key] = &dedupeEntry{seen: now, element: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
