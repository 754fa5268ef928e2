package ctrl

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/concurrency"
)

// mailboxSet is the per-thread collection of typed inboxes. The set of
// admissible types is fixed at registration time, mirroring the source
// system's RegMailbox<Ts...> contract.
type mailboxSet struct {
	addr Addr

	mu    sync.RWMutex
	boxes map[reflect.Type]any // reflect.Type -> *concurrency.Queue[T]

	cbMu      sync.Mutex
	callbacks map[reflect.Type][]any // reflect.Type -> []func(T) bool
}

func newMailboxSet(addr Addr) *mailboxSet {
	return &mailboxSet{
		addr:      addr,
		boxes:     make(map[reflect.Type]any),
		callbacks: make(map[reflect.Type][]any),
	}
}

// Ctrl is the process-wide control plane: it owns every thread's mailbox
// set and supports prefix lookup across them.
type Ctrl struct {
	mu      sync.RWMutex
	threads map[ThreadHandle]*mailboxSet
}

// New returns an empty control plane.
func New() *Ctrl {
	return &Ctrl{threads: make(map[ThreadHandle]*mailboxSet)}
}

func (c *Ctrl) setFor(handle ThreadHandle, label string) *mailboxSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.threads[handle]; ok {
		return s
	}
	s := newMailboxSet(Addr{Handle: handle, Label: label})
	c.threads[handle] = s
	return s
}

// Register creates, once per (handle, T), an inbox of type T on the given
// thread and returns its address. A second call for the same handle and
// type is idempotent and returns the same Addr.
func Register[T any](c *Ctrl, handle ThreadHandle, label string) Addr {
	set := c.setFor(handle, label)
	t := reflect.TypeOf((*T)(nil)).Elem()

	set.mu.Lock()
	defer set.mu.Unlock()
	if _, ok := set.boxes[t]; !ok {
		set.boxes[t] = concurrency.NewQueue[T]()
	}
	return set.addr
}

func queueFor[T any](c *Ctrl, addr Addr) (*concurrency.Queue[T], error) {
	c.mu.RLock()
	set, ok := c.threads[addr.Handle]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ctrl: unknown address %s", addr)
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	set.mu.RLock()
	q, ok := set.boxes[t]
	set.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ctrl: %s has no mailbox for %s", addr, t)
	}
	return q.(*concurrency.Queue[T]), nil
}

// Send enqueues value on addr's T-typed inbox. Mailboxes are unbounded
// MPMC queues, so Send never blocks; it only fails if T was never
// registered on the target.
func Send[T any](c *Ctrl, addr Addr, value T) error {
	q, err := queueFor[T](c, addr)
	if err != nil {
		return err
	}
	q.Push(value)
	return nil
}

// Wait blocks until an item of type T is available on addr's inbox.
func Wait[T any](c *Ctrl, addr Addr) (T, error) {
	q, err := queueFor[T](c, addr)
	if err != nil {
		var zero T
		return zero, err
	}
	return q.Pop(), nil
}

// Peek waits up to timeout for an item of type T. timeout <= 0 means wait
// indefinitely. The bool return is false on timeout.
func Peek[T any](c *Ctrl, addr Addr, timeout time.Duration) (T, bool, error) {
	q, err := queueFor[T](c, addr)
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, ok := q.PopTimeout(timeout)
	return v, ok, nil
}

// TryPeek checks addr's T-typed inbox without blocking.
func TryPeek[T any](c *Ctrl, addr Addr) (T, bool, error) {
	q, err := queueFor[T](c, addr)
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, ok := q.TryPop()
	return v, ok, nil
}

// FilterPrefix returns a deterministically ordered snapshot of every
// registered address whose label begins with prefix.
func (c *Ctrl) FilterPrefix(prefix string) []Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Addr
	for _, set := range c.threads {
		if hasPrefix(set.addr.Label, prefix) {
			out = append(out, set.addr)
		}
	}
	return sortAddrs(out)
}

func hasPrefix(label, prefix string) bool {
	return len(label) >= len(prefix) && label[:len(prefix)] == prefix
}

// RegisterCallback attaches fn as an in-thread synchronous handler for
// messages of type T delivered to addr via Process.
func RegisterCallback[T any](c *Ctrl, addr Addr, fn func(T) bool) {
	c.mu.RLock()
	set, ok := c.threads[addr.Handle]
	c.mu.RUnlock()
	if !ok {
		return
	}
	t := reflect.TypeOf((*T)(nil)).Elem()

	set.cbMu.Lock()
	defer set.cbMu.Unlock()
	set.callbacks[t] = append(set.callbacks[t], fn)
}

// Process synchronously dispatches msg to every T-callback registered on
// addr, in-thread. It reports whether at least one callback accepted the
// message (returned true).
func Process[T any](c *Ctrl, addr Addr, msg T) bool {
	c.mu.RLock()
	set, ok := c.threads[addr.Handle]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	t := reflect.TypeOf((*T)(nil)).Elem()

	set.cbMu.Lock()
	fns := append([]any(nil), set.callbacks[t]...)
	set.cbMu.Unlock()

	accepted := false
	for _, raw := range fns {
		fn := raw.(func(T) bool)
		if fn(msg) {
			accepted = true
		}
	}
	return accepted
}
