// Package collector implements the Collector Context: it owns every
// SharedMem slot, allocates their backing memory from the Extractor's
// field registry, and drives each slot's fill/collect/release loop in
// its own goroutine.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"
	"unsafe"

	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/PayRpc/elf-dispatch/internal/extractor"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AllocOptions is the caller-facing request to allocate a new slot; it
// omits Idx/LabelIdx, which the Collector assigns.
type AllocOptions struct {
	Label        string
	TransferType sharedmem.TransferType
	BatchSize    int
	MinBatchSize int
	Timeout      time.Duration
}

// CollectFunc is the single synchronous handoff to the external
// consumer: the Batch Context waiter in local mode, or a remote sender
// in remote mode.
type CollectFunc func(d *sharedmem.Data) comm.ReplyStatus

type slotEntry struct {
	sm      *sharedmem.SharedMem
	collect CollectFunc
}

// Collector owns every SharedMem slot and the extractor they draw field
// bindings from.
type Collector struct {
	ext    *extractor.Extractor
	smComm *comm.Comm[sharedmem.Payload]
	logger *zap.Logger

	mu       sync.Mutex
	nextIdx  int
	labelIdx map[string]int
	slots    []*slotEntry

	group *errgroup.Group
}

// New returns a Collector drawing field bindings from ext and routing
// client<->slot traffic through smComm.
func New(ext *extractor.Extractor, smComm *comm.Comm[sharedmem.Payload], logger *zap.Logger) *Collector {
	return &Collector{
		ext:      ext,
		smComm:   smComm,
		logger:   logger,
		labelIdx: make(map[string]int),
	}
}

// AllocateSharedMem assigns idx/label_idx, materializes a byte buffer per
// requested field (AnyP.SetData with default contiguous strides), and
// constructs the slot. collect is invoked once per filled batch from the
// slot's own goroutine once Start is called.
func (col *Collector) AllocateSharedMem(opts AllocOptions, fieldNames []string, collect CollectFunc) (*sharedmem.SharedMem, error) {
	col.mu.Lock()
	idx := col.nextIdx
	col.nextIdx++
	labelIdx := col.labelIdx[opts.Label]
	col.labelIdx[opts.Label] = labelIdx + 1
	col.mu.Unlock()

	views := col.ext.GetAnyP(fieldNames)
	mem := make(map[string]*extractor.AnyP, len(views))
	for name, p := range views {
		f := p.Field()
		buf := make([]byte, f.ByteSize())
		stride := f.Shape().ContiguousStrides(f.ElemSize())
		if err := p.SetData(unsafe.Pointer(&buf[0]), f.TypeName(), stride); err != nil {
			return nil, err
		}
		mem[name] = p
	}

	smOpts := sharedmem.Options{
		Idx:          idx,
		LabelIdx:     labelIdx,
		Label:        opts.Label,
		TransferType: opts.TransferType,
		BatchSize:    opts.BatchSize,
		MinBatchSize: opts.MinBatchSize,
		Timeout:      opts.Timeout,
	}
	serverAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: opts.Label}
	sm := sharedmem.New(smOpts, mem, col.smComm, serverAddr, col.logger)

	col.mu.Lock()
	col.slots = append(col.slots, &slotEntry{sm: sm, collect: collect})
	col.mu.Unlock()

	return sm, nil
}

// Start registers every slot and spawns one goroutine per slot running
// {WaitBatchFillMem; collect; WaitReplyReleaseBatch}, bounded and
// tracked via an errgroup so Wait can observe the first slot failure or
// block for cooperative shutdown.
func (col *Collector) Start(ctx context.Context) {
	col.mu.Lock()
	slots := append([]*slotEntry(nil), col.slots...)
	col.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, se := range slots {
		se := se
		se.sm.Start()
		g.Go(func() error {
			return col.runSlot(gctx, se)
		})
	}
	col.group = g
}

func (col *Collector) runSlot(ctx context.Context, se *slotEntry) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := se.sm.WaitBatchFillMem(); err != nil {
			// ProtocolViolation per the error taxonomy: fatal, no recovery.
			if col.logger != nil {
				col.logger.Error("collector: fatal protocol violation", zap.Error(err))
			}
			return err
		}
		status := se.collect(se.sm.Data())
		se.sm.WaitReplyReleaseBatch(status)
	}
}

// Wait blocks until every slot goroutine has returned (shutdown or a
// fatal error) and reports the first non-context-cancellation error.
func (col *Collector) Wait() error {
	if col.group == nil {
		return nil
	}
	err := col.group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Extractor exposes the Collector's backing field registry, per the
// Consumer API's getExtractor().
func (col *Collector) Extractor() *extractor.Extractor { return col.ext }
