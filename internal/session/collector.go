package session

import (
	"context"
	"sync"
)

// Collector gathers real backend data in live-data mode. Each key resolves once and all
// of its waiters are released together.
type Collector struct {
	mu      sync.Mutex
	entries map[string]*future[any]
}

func NewCollector() *Collector {
	return &Collector{entries: make(map[string]*future[any])}
}

func (c *Collector) entry(key string) *future[any] {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[key]
	if !ok {
		f = newFuture[any]()
		c.entries[key] = f
	}
	return f
}

// Deliver stores data for key. Only the first delivery counts.
func (c *Collector) Deliver(key string, data any) bool {
	return c.entry(key).resolve(data, nil)
}

// Await blocks until key is delivered or ctx ends.
func (c *Collector) Await(ctx context.Context, key string) (any, error) {
	return c.entry(key).wait(ctx)
}

// Get returns delivered data without waiting.
func (c *Collector) Get(key string) (any, bool) {
	c.mu.Lock()
	f, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return f.peek()
}

// Keys lists the keys that have been delivered.
func (c *Collector) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k, f := range c.entries {
		if _, ok := f.peek(); ok {
			out = append(out, k)
		}
	}
	return out
}

// reset releases pending waiters with err and forgets every key.
func (c *Collector) reset(err error) {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*future[any])
	c.mu.Unlock()
	for _, f := range old {
		f.resolve(nil, err)
	}
}
