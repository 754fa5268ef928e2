// Package batchctx implements the Batch Context: the single "waiter"
// object the external numerical consumer uses to pull the next filled
// SharedMem and acknowledge it once done. Internally it is a BatchComm
// (expectReply=false) whose clients are every SharedMem collector
// goroutine and whose lone server is the waiter itself.
package batchctx

import (
	"time"

	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"go.uber.org/zap"
)

// Label is the fixed routing label every SharedMem collect closure and
// the waiter itself register under.
const Label = "batchctx"

// NewComm returns a BatchComm: D is *sharedmem.Data, no reply closures
// (ReleaseBatch acks clients directly).
func NewComm(logger *zap.Logger, seed int64) *comm.Comm[*sharedmem.Data] {
	return comm.New[*sharedmem.Data](false, logger, seed)
}

// Waiter is the consumer-facing handle: Wait pulls the next filled
// batch, Step acknowledges it and lets the originating slot proceed to
// its mem->state phase.
type Waiter struct {
	comm    *comm.Comm[*sharedmem.Data]
	addr    ctrl.Addr
	pending []comm.Msg[*sharedmem.Data]
}

// NewWaiter registers a single BatchComm server under Label and returns
// the ready-to-use Waiter.
func NewWaiter(c *comm.Comm[*sharedmem.Data]) *Waiter {
	addr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: Label}
	c.RegServer(addr, Label)
	return &Waiter{comm: c, addr: addr}
}

// Wait blocks for up to timeout (<=0 means indefinitely) for the next
// filled SharedMem. It returns nil on timeout.
func (w *Waiter) Wait(timeout time.Duration) *sharedmem.Data {
	msgs := w.comm.WaitBatch(w.addr, comm.WaitOptions{BatchSize: 1, MinBatchSize: 0, Timeout: timeout})
	if len(msgs) == 0 {
		return nil
	}
	w.pending = msgs
	return msgs[0].Data[0]
}

// Step acknowledges the batch most recently returned by Wait, resuming
// the originating slot's mem->state/release phase.
func (w *Waiter) Step(status comm.ReplyStatus) {
	if w.pending == nil {
		return
	}
	w.comm.ReleaseBatch(w.pending, status)
	w.pending = nil
}

// NewCollectFunc returns a collector.CollectFunc that hands a filled
// batch to the waiter over batchComm, plus the stable client address the
// slot should reuse every round. This is the local-mode collectFn: the
// remote mode substitutes a remote.Sender's collect function instead.
func NewCollectFunc(batchComm *comm.Comm[*sharedmem.Data]) (func(d *sharedmem.Data) comm.ReplyStatus, ctrl.Addr) {
	addr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: Label}
	return func(d *sharedmem.Data) comm.ReplyStatus {
		return batchComm.SendWait(addr, []string{Label}, d)
	}, addr
}
