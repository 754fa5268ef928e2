package recordplane

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"go.uber.org/zap"
)

// threadStateWindow keeps entries capped, most recently updated.
const threadStateWindow = 100

// Writer is the per-worker-host record-writer client: it accumulates
// finished records and a rolling window of per-thread progress, and
// periodically flushes them to the loader over whatever transport the
// host wires up (OnSend's return value is the payload to send).
type Writer struct {
	logger *zap.Logger

	mu      sync.Mutex
	records []Record
	states  []ThreadState // bounded ring, oldest at index 0

	c              *ctrl.Ctrl
	dispatcherAddr ctrl.Addr
	identity       string
}

// NewWriter returns a Writer that forwards parsed MsgRequests to
// dispatcherAddr's MsgRequest inbox.
func NewWriter(identity string, c *ctrl.Ctrl, dispatcherAddr ctrl.Addr, logger *zap.Logger) *Writer {
	return &Writer{identity: identity, c: c, dispatcherAddr: dispatcherAddr, logger: logger}
}

// AddRecord appends a finished record to the pending buffer.
func (w *Writer) AddRecord(r Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, r)
}

// UpdateThreadState records a worker thread's latest progress, keeping
// only the most recent threadStateWindow updates across every thread.
func (w *Writer) UpdateThreadState(s ThreadState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, s)
	if len(w.states) > threadStateWindow {
		w.states = w.states[len(w.states)-threadStateWindow:]
	}
}

// SendKind tells the caller whether OnSend produced a payload worth
// transmitting.
type SendKind int

const (
	// NoReply means there was nothing pending; don't send anything.
	NoReply SendKind = iota
	// FinalReply carries a non-empty payload.
	FinalReply
)

// OnSend dumps every accumulated record (clearing the buffer) plus the
// current state window as a single JSON payload. If no records are
// pending it reports NoReply without touching the state window, so a
// quiet worker still gets its heartbeat-only path via Heartbeat.
func (w *Writer) OnSend() (SendKind, string, error) {
	w.mu.Lock()
	if len(w.records) == 0 {
		w.mu.Unlock()
		return NoReply, "", nil
	}
	recs := Records{Identity: w.identity, Records: w.records, States: w.stateMapLocked()}
	w.records = nil
	w.mu.Unlock()

	s, err := recs.DumpJSONString()
	if err != nil {
		return NoReply, "", err
	}
	return FinalReply, s, nil
}

// Heartbeat dumps the state window alone, with no records, for the
// 1-second idle timer's state-only keepalive.
func (w *Writer) Heartbeat() (string, error) {
	w.mu.Lock()
	recs := Records{Identity: w.identity, States: w.stateMapLocked()}
	w.mu.Unlock()
	return recs.DumpJSONString()
}

func (w *Writer) stateMapLocked() map[uint64]ThreadState {
	m := make(map[uint64]ThreadState, len(w.states))
	for _, s := range w.states {
		m[s.ThreadID] = s
	}
	return m
}

// OnRecv parses a reply payload as a MsgRequest and delivers it to the
// dispatcher's mailbox.
func (w *Writer) OnRecv(payload string) error {
	var req MsgRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return err
	}
	return ctrl.Send[MsgRequest](w.c, w.dispatcherAddr, req)
}

// RunIdleTimer sends a heartbeat via send every second until ctx is
// cancelled, matching the 1-second idle-timer keepalive.
func (w *Writer) RunIdleTimer(ctx context.Context, send func(payload string)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := w.Heartbeat()
			if err != nil {
				if w.logger != nil {
					w.logger.Warn("recordplane: heartbeat encode failed", zap.Error(err))
				}
				continue
			}
			send(s)
		}
	}
}
