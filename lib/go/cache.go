package liveclient

import (
	"slices"
	"sync"

	"github.com/zot/livequery/internal/protocol"
)

type listener struct {
	id int
	fn func([]Item)
}

// cache is one network subscription's cached list, shared by every local
// listener of the same query. Listeners run under mu so they all see the
// same sequence of snapshots.
type cache struct {
	id    string
	key   string
	query Query
	keyFn KeyFunc
	log   func(level int, format string, args ...interface{})

	mu        sync.Mutex
	items     []Item
	ready     bool
	resyncing bool
	// resyncAfterReady is set when a reconnect happens before the
	// subscription's initial result arrived.
	resyncAfterReady bool
	buffered         []Delta
	listeners        []listener
	nextListener     int
	closed           bool
}

func newCache(id string, q Query, keyFn KeyFunc, log func(int, string, ...interface{})) *cache {
	return &cache{
		id:    id,
		key:   q.Canonical(),
		query: q,
		keyFn: keyFn,
		log:   log,
	}
}

// addListener registers fn and hands it the current snapshot when there is
// one.
func (c *cache) addListener(fn func([]Item)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	c.listeners = append(c.listeners, listener{id: c.nextListener, fn: fn})
	if c.ready && fn != nil {
		fn(c.items)
	}
	return c.nextListener
}

// removeListener drops a listener and reports whether it was the last one,
// in which case the cache is closed.
func (c *cache) removeListener(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(c.listeners, func(l listener) bool { return l.id == id })
	if len(c.listeners) == 0 {
		c.closed = true
	}
	return c.closed
}

func (c *cache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listeners = nil
}

func (c *cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// unready buffers stream deltas until the next reset.
func (c *cache) unready() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	c.buffered = nil
}

// reset installs a full result from a subscribe response, then applies the
// deltas that arrived while it was in flight. It reports whether a resync
// still has to be requested.
func (c *cache) reset(items []Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if items == nil {
		items = []Item{}
	}
	c.items = items
	c.ready = true
	buffered := c.buffered
	c.buffered = nil
	if c.resyncAfterReady {
		c.resyncAfterReady = false
		c.notify()
		return true
	}
	c.resyncing = false
	if len(buffered) > 0 {
		c.apply(buffered)
	}
	c.notify()
	return false
}

// markResync distrusts deltas until the next all. It reports whether the
// cache is ready, so the resync can be requested now.
func (c *cache) markResync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncing = true
	c.buffered = nil
	if !c.ready {
		c.resyncAfterReady = true
	}
	return c.ready
}

// handle applies one frame's deltas.
func (c *cache) handle(deltas []Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.ready {
		if !c.resyncAfterReady {
			c.buffered = append(c.buffered, deltas...)
		}
		return
	}
	if c.resyncing {
		i := slices.IndexFunc(deltas, func(d Delta) bool { return d.Type == protocol.DeltaAll })
		if i < 0 {
			c.log(3, "Dropping %d deltas for %s while resyncing", len(deltas), c.id)
			return
		}
		deltas = deltas[i:]
		c.resyncing = false
	}
	c.apply(deltas)
	c.notify()
}

// apply must be called with mu held.
func (c *cache) apply(deltas []Delta) {
	items, err := Reduce(c.items, deltas, c.keyFn, c.query.Sort)
	if err != nil {
		c.log(0, "Applying deltas to %s: %v", c.id, err)
		return
	}
	c.items = items
}

// notify must be called with mu held.
func (c *cache) notify() {
	for _, l := range c.listeners {
		if l.fn != nil {
			l.fn(c.items)
		}
	}
}

// snapshot returns the current list.
func (c *cache) snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items
}
