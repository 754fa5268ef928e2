// Package comm implements the broadcast "session" primitive (fan-out to N
// targets, await N acknowledgements) and, on top of it, the client/server
// batching protocol used by the collector and remote peers.
package comm

import (
	"time"

	"github.com/PayRpc/elf-dispatch/internal/concurrency"
)

// replyNotifier is the minimal interface a broadcast Node exposes to a
// message it delivered elsewhere, letting the receiver ack back without
// knowing the sender's payload type.
type replyNotifier interface {
	NotifySessionInvite()
}

// Msg is one delivery into a Node[T]'s inbox: the originating node, the
// node it was delivered to, and its payload. BaseIdx is assigned by
// WaitSessionInvite as the cumulative item count preceding this message
// within the batch being assembled.
type Msg[T any] struct {
	From    replyNotifier
	To      *Node[T]
	Data    []T
	BaseIdx int
}

// WaitOptions governs WaitSessionInvite's batching: BatchSize caps total
// data items (not messages); MinBatchSize allows early return only once
// reached; Timeout <= 0 means wait indefinitely for BatchSize.
type WaitOptions struct {
	BatchSize    int
	MinBatchSize int
	Timeout      time.Duration
}

// Node holds one MPMC inbox of T-typed messages plus a session counter.
// A Node plays both roles a broadcast participant needs: it is the
// target of deliveries into its inbox, and it is the starter of sessions
// it begins against other nodes.
type Node[T any] struct {
	inbox   *concurrency.Queue[Msg[T]]
	counter *concurrency.SessionCounter

	mu          chanMutex
	unprocessed *Msg[T]
}

// chanMutex is a tiny channel-backed mutex, matching the style used by
// concurrency.Queue rather than reaching for sync.Mutex everywhere.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}
func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// NewNode returns a Node with an empty inbox and no active session.
func NewNode[T any]() *Node[T] {
	return &Node[T]{
		inbox:   concurrency.NewQueue[Msg[T]](),
		counter: concurrency.NewSessionCounter(),
		mu:      newChanMutex(),
	}
}

// NotifySessionInvite acks one reply toward whichever session this node
// currently has open (started via StartSession against it as the target's
// owner, i.e. this node is the "from" of that earlier delivery).
func (n *Node[T]) NotifySessionInvite() {
	n.counter.Notify()
}

// StartSession delivers one message per target, carrying payloads[i] to
// targets[i], and remembers len(targets) as the count WaitSessionEnd will
// block for. T is the starter's own inbox type (used only so replies can
// be routed back here); U is the payload/target type.
func StartSession[T any, U any](n *Node[T], targets []*Node[U], payloads [][]U) {
	n.counter.Start(len(targets))
	for i, target := range targets {
		target.inbox.Push(Msg[U]{From: n, To: target, Data: payloads[i]})
	}
}

// WaitSessionEnd blocks until the session counter started by the most
// recent StartSession call on this node has received that many
// NotifySessionInvite calls, then resets for the next session.
func (n *Node[T]) WaitSessionEnd() {
	n.counter.Wait()
}

// WaitSessionInvite pulls messages from the inbox honoring opt, returning
// once BatchSize data items are collected or, if a timeout fires after
// MinBatchSize items are present, whatever was collected so far. A
// message that would overflow BatchSize is pushed back onto a
// single-slot overflow buffer and redelivered on the next call.
func (n *Node[T]) WaitSessionInvite(opt WaitOptions) []Msg[T] {
	var collected []Msg[T]
	total := 0

	n.mu.Lock()
	pending := n.unprocessed
	n.unprocessed = nil
	n.mu.Unlock()

	if pending != nil {
		pending.BaseIdx = total
		collected = append(collected, *pending)
		total += len(pending.Data)
	}

	var deadline time.Time
	if opt.Timeout > 0 {
		deadline = time.Now().Add(opt.Timeout)
	}

	for total < opt.BatchSize {
		wait := time.Duration(-1)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				// PopTimeout treats a non-positive wait as "forever".
				wait = time.Nanosecond
			}
		}

		msg, ok := n.inbox.PopTimeout(wait)
		if !ok {
			// Timed out: only an early return if the minimum has been met.
			// Otherwise keep blocking past the timeout — the slot must not
			// release an under-filled batch.
			if total >= opt.MinBatchSize {
				break
			}
			deadline = time.Time{}
			continue
		}

		if len(msg.Data) == 0 {
			continue // empty payloads are rejected
		}
		if total+len(msg.Data) > opt.BatchSize {
			n.mu.Lock()
			n.unprocessed = &msg
			n.mu.Unlock()
			break
		}

		msg.BaseIdx = total
		collected = append(collected, msg)
		total += len(msg.Data)

		if total == opt.BatchSize {
			break
		}
	}

	return collected
}
