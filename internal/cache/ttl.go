// Package cache provides a small TTL key/value store with an explicit
// lifecycle: New starts a background sweeper, Close stops it. Expired
// entries are invisible to Get even before the sweeper removes them.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

type TTL struct {
	mu      sync.RWMutex
	items   map[string]entry
	ttl     time.Duration
	done    chan struct{}
	closeMu sync.Once
}

// New creates a cache whose entries live for ttl. A sweeper removes
// expired entries every sweepEvery; pass 0 to disable sweeping (tests).
func New(ttl, sweepEvery time.Duration) *TTL {
	c := &TTL{
		items: make(map[string]entry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

func (c *TTL) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *TTL) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *TTL) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *TTL) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *TTL) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *TTL) Close() {
	c.closeMu.Do(func() { close(c.done) })
}

func (c *TTL) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
