package concurrency

import "sync"

// Counter is a plain monotonically-incrementing counter with a
// wait-until-threshold blocker, mirroring elf::concurrency::Counter: unlike
// SessionCounter it has no notion of an "active session" — Increment may
// be called at any time, before or after a WaitUntil for the same
// threshold.
type Counter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewCounter returns a Counter starting at zero.
func NewCounter() *Counter {
	c := &Counter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Increment adds one and wakes any waiters.
func (c *Counter) Increment() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// WaitUntil blocks until the count reaches at least n.
func (c *Counter) WaitUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.count < n {
		c.cond.Wait()
	}
}

// Reset zeroes the counter for reuse.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
