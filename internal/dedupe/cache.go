// ABOUTME: Bounded TTL set of recently seen task ids
// ABOUTME: Lets the bridge drop broker redeliveries of a dispatch it already accepted

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-agent/internal/clock"
)

// Defaults used by the bridge.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 1024
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// the oldest key is forgotten first. Expired keys are swept on write, so no
// background goroutine is needed.
type Cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	maxSize int
	index   map[string]*list.Element
	order   *list.List // oldest at front
}

// New creates a cache. Non-positive ttl or maxSize fall back to the defaults.
func New(ttl time.Duration, maxSize int, c clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if c == nil {
		c = clock.Real()
	}
	return &Cache{
		clock:   c,
		ttl:     ttl,
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Seen reports whether key was marked within the ttl.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	return ok && c.live(el.Value.(*entry))
}

// CheckAndMark marks key and reports whether it was already live.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok && c.live(el.Value.(*entry)) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of keys held, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) live(e *entry) bool {
	return c.clock.Now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.clock.Now()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}

	c.sweepLocked(now)
	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

// sweepLocked drops expired keys from the front. Entries are ordered by
// mark time, so the first live one ends the sweep.
func (c *Cache) sweepLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
