// Package stats is a minimal, concurrency-safe counter registry shared by
// the room engine and the tracker.
package stats

import "sync"

// Counters counts named internal events. The zero value is not usable; call
// New.
type Counters struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Counters {
	return &Counters{
		m: make(map[string]uint64),
	}
}

func (c *Counters) Inc(name string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
}

func (c *Counters) Add(name string, delta uint64) {
	c.mu.Lock()
	c.m[name] += delta
	c.mu.Unlock()
}

func (c *Counters) Get(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
