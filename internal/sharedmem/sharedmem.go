package sharedmem

import (
	"fmt"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/PayRpc/elf-dispatch/internal/errs"
	"github.com/PayRpc/elf-dispatch/internal/extractor"
	"github.com/PayRpc/elf-dispatch/internal/metrics"
	"go.uber.org/zap"
)

// Payload is what a contributing client sends: a pointer to its own
// state's bound transfer functions, produced by extractor.BindStateToFunctions.
type Payload = *extractor.FuncsWithState

// SharedMem is one batching slot: one server thread (the goroutine that
// drives WaitBatchFillMem/WaitReplyReleaseBatch in a loop) owns it for
// its whole lifetime.
type SharedMem struct {
	data       Data
	comm       *comm.Comm[Payload]
	serverAddr ctrl.Addr
	logger     *zap.Logger

	msgs        []comm.Msg[Payload]
	fillStarted time.Time
	lastRelease time.Time
}

// New constructs a slot over already-allocated AnyP views. mem must carry
// one bound AnyP per field the slot's batch touches.
func New(opts Options, mem map[string]*extractor.AnyP, c *comm.Comm[Payload], serverAddr ctrl.Addr, logger *zap.Logger) *SharedMem {
	return &SharedMem{
		data:       Data{Options: opts, Mem: mem},
		comm:       c,
		serverAddr: serverAddr,
		logger:     logger,
	}
}

// Data returns the slot's externally-visible batch surface.
func (s *SharedMem) Data() *Data { return &s.data }

// Start publishes this slot's server address under its label, making it
// a routing target for clients.
func (s *SharedMem) Start() {
	s.comm.RegServer(s.serverAddr, s.data.Options.Label)
}

// WaitBatchFillMem blocks until a batch satisfying [min,max] is
// collected, sets ActiveBatchSize, and performs the state->mem transfer
// per the slot's TransferType.
func (s *SharedMem) WaitBatchFillMem() error {
	s.fillStarted = time.Now()
	opt := comm.WaitOptions{
		BatchSize:    s.data.Options.BatchSize,
		MinBatchSize: s.data.Options.MinBatchSize,
		Timeout:      s.data.Options.Timeout,
	}
	msgs := s.comm.WaitBatch(s.serverAddr, opt)

	total := 0
	for _, m := range msgs {
		total += len(m.Data)
	}
	if total > s.data.Options.BatchSize || total < s.data.Options.MinBatchSize {
		return errs.New(errs.ProtocolViolation, fmt.Errorf(
			"sharedmem[%s/%d]: active_batch_size=%d outside [%d,%d], #msgs=%d",
			s.data.Options.Label, s.data.Options.Idx, total,
			s.data.Options.MinBatchSize, s.data.Options.BatchSize, len(msgs)))
	}

	s.data.ActiveBatchSize = total
	s.msgs = msgs
	metrics.SharedMemQueueDepth.WithLabelValues(s.data.Options.Label).Set(float64(total))
	metrics.BatchFillDuration.WithLabelValues(s.data.Options.Label).Observe(time.Since(s.fillStarted).Seconds())

	switch s.data.Options.TransferType {
	case ServerTransfer:
		s.localTransfer(stateToMemOf)
	case ClientTransfer:
		s.clientTransfer(stateToMemOf)
	}
	return nil
}

// WaitReplyReleaseBatch performs the symmetric mem->state transfer, then
// releases every contributing client with status and returns the slot to
// Registered.
func (s *SharedMem) WaitReplyReleaseBatch(status comm.ReplyStatus) {
	switch s.data.Options.TransferType {
	case ServerTransfer:
		s.localTransfer(memToStateOf)
	case ClientTransfer:
		s.clientTransfer(memToStateOf)
	}

	s.comm.ReleaseBatch(s.msgs, status)
	s.msgs = nil
	s.lastRelease = time.Now()
	metrics.SharedMemQueueDepth.WithLabelValues(s.data.Options.Label).Set(0)
}

// SecondsSinceRelease reports how long it has been since this slot last
// completed a release cycle, for callers that periodically sample it
// into SharedMemSecondsSinceRelease. Zero before the first release.
func (s *SharedMem) SecondsSinceRelease() float64 {
	if s.lastRelease.IsZero() {
		return 0
	}
	return time.Since(s.lastRelease).Seconds()
}

func stateToMemOf(fws *extractor.FuncsWithState) map[string]func(p *extractor.AnyP, batchIdx int) {
	return fws.StateToMem
}

func memToStateOf(fws *extractor.FuncsWithState) map[string]func(p *extractor.AnyP, batchIdx int) {
	return fws.MemToState
}

type directionFuncs func(*extractor.FuncsWithState) map[string]func(p *extractor.AnyP, batchIdx int)

// localTransfer runs every contributing message's transfer closures
// single-threaded, from this slot's own goroutine.
func (s *SharedMem) localTransfer(dir directionFuncs) {
	for _, m := range s.msgs {
		s.transferMessage(m, dir)
	}
}

func (s *SharedMem) transferMessage(m comm.Msg[Payload], dir directionFuncs) {
	idx := m.BaseIdx
	for _, fws := range m.Data {
		if fws == nil {
			continue
		}
		for name, fn := range dir(fws) {
			p, ok := s.data.Mem[name]
			if !ok {
				continue
			}
			fn(p, idx)
		}
		idx++
	}
}

// clientTransfer amortises the copy across contributing clients: each
// message's transfer runs inside a reply closure the originating client
// invokes itself, concurrently with every other client in the batch.
func (s *SharedMem) clientTransfer(dir directionFuncs) {
	replies := make([]comm.ReplyFunc, len(s.msgs))
	for i, m := range s.msgs {
		m := m
		replies[i] = func() comm.ReplyStatus {
			s.transferMessage(m, dir)
			return comm.DoneOneJob
		}
	}
	s.comm.SendClosuresWaitDone(s.msgs, replies)
}
