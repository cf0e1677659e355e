package hub

import (
	"sync"
	"time"
)

// Coalescer batches frames per key for an interval and keeps only the
// latest frame of each key. Frames are flushed in the order their keys were
// last updated, so a newer catalog never lands behind an older state.
type Coalescer struct {
	flushMu  sync.Mutex
	mu       sync.Mutex
	pending  map[string][]byte
	order    []string
	interval time.Duration
	onFlush  func(key string, data []byte)
	timer    *time.Timer
}

func NewCoalescer(interval time.Duration, onFlush func(string, []byte)) *Coalescer {
	return &Coalescer{
		pending:  make(map[string][]byte),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (c *Coalescer) Add(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.pending[key] = data
	c.order = append(c.order, key)

	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.FlushAll)
	}
}

// Pending reports how many keys are waiting for the next flush.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Coalescer) FlushAll() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	order := c.order
	pending := c.pending
	c.order = nil
	c.pending = make(map[string][]byte)
	c.mu.Unlock()

	if c.onFlush == nil {
		return
	}
	for _, key := range order {
		c.onFlush(key, pending[key])
	}
}
