package concurrency

import "sync"

// SessionCounter implements the broadcast node's "reply counter": a session
// is opened with a target count N, replies trickle in from other
// goroutines via Notify, and exactly one waiter blocks until the count
// reaches N.
type SessionCounter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	target  int
	current int
}

// NewSessionCounter returns a counter with no active session.
func NewSessionCounter() *SessionCounter {
	c := &SessionCounter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start begins a new session expecting n notifications. Only one session
// may be active at a time; callers must have already called Wait on any
// prior session.
func (c *SessionCounter) Start(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = n
	c.current = 0
}

// Notify records one reply toward the active session's target.
func (c *SessionCounter) Notify() {
	c.mu.Lock()
	c.current++
	reached := c.current >= c.target
	c.mu.Unlock()
	if reached {
		c.cond.Broadcast()
	}
}

// Wait blocks until the active session's target count of notifications has
// arrived, then resets for the next session.
func (c *SessionCounter) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.current < c.target {
		c.cond.Wait()
	}
	c.target = 0
	c.current = 0
}
