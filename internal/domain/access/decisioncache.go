package access

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const decisionCacheSize = 1024

// decisionKey hashes an entity query into a cache key. A zero byte
// separates the fields so distinct queries cannot collide by concatenation.
func decisionKey(kind string, policy byte, entity string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(kind)
	_, _ = h.Write([]byte{0, policy, 0})
	_, _ = h.WriteString(entity)
	return h.Sum64()
}

type decisionEntry struct {
	key     uint64
	verdict Access
	prev    *decisionEntry
	next    *decisionEntry
}

// decisionCache is a small LRU of access verdicts. Any update on a watched
// list invalidates the whole cache; verdicts are cheap to recompute and a
// partial invalidation would have to understand glob overlap.
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*decisionEntry
	head    *decisionEntry
	tail    *decisionEntry
	limit   int
}

func newDecisionCache(limit int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*decisionEntry, limit),
		limit:   limit,
	}
}

func (c *decisionCache) get(key uint64) (Access, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Access{}, false
	}
	c.moveToFrontLocked(e)
	return e.verdict, true
}

func (c *decisionCache) put(key uint64, verdict Access) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.verdict = verdict
		c.moveToFrontLocked(e)
		return
	}
	e := &decisionEntry{key: key, verdict: verdict}
	c.entries[key] = e
	c.linkFrontLocked(e)
	if len(c.entries) > c.limit {
		c.evictTailLocked()
	}
}

func (c *decisionCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*decisionEntry, c.limit)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) moveToFrontLocked(e *decisionEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.linkFrontLocked(e)
}

func (c *decisionCache) linkFrontLocked(e *decisionEntry) {
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *decisionEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
