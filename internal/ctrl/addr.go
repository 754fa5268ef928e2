// Package ctrl implements the typed mailbox control plane: per-thread
// typed inboxes addressed by a stable handle plus a human label, with
// prefix lookup across all registered peers.
package ctrl

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ThreadHandle is a runtime-generated stable identity for a registered
// thread (goroutine group). It replaces the OS thread-id the control
// plane is keyed by in the source system: a handle survives independent
// of which goroutine happens to call send/wait next, and is safe to hand
// to green-thread-style callers.
type ThreadHandle uint64

var nextHandle uint64

// NewHandle mints a fresh, process-unique ThreadHandle.
func NewHandle() ThreadHandle {
	return ThreadHandle(atomic.AddUint64(&nextHandle, 1))
}

// Addr pairs a thread's handle with its human label. Label supports
// prefix matching via Ctrl.FilterPrefix.
type Addr struct {
	Handle ThreadHandle
	Label  string
}

func (a Addr) String() string {
	return fmt.Sprintf("%s#%d", a.Label, a.Handle)
}

// sortAddrs orders addresses deterministically (ascending by label then
// handle) per the Design Notes resolution of the "unspecified order"
// open question on FilterPrefix.
func sortAddrs(addrs []Addr) []Addr {
	out := append([]Addr(nil), addrs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}
