package sharedmem

import (
	"testing"
	"time"
	"unsafe"

	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/PayRpc/elf-dispatch/internal/extractor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestWaitBatchFillMemActiveBatchSizeMatchesMessageTotal exercises the
// slot's core invariant: ActiveBatchSize always equals the sum of
// contributed message lengths, and that sum must land in
// [MinBatchSize, BatchSize] or the fill fails outright.
func TestWaitBatchFillMemActiveBatchSizeMatchesMessageTotal(t *testing.T) {
	const (
		batchSize    = 6
		minBatchSize = 2
	)
	ext := extractor.New(nil)
	f := extractor.AddField[float32](ext, "x")
	f.AddExtents(batchSize, extractor.Shape{batchSize})
	extractor.AddTypedStateToMem[*float32, float32](f, func(s *float32, v *float32) { *v = *s })

	views := ext.GetAnyP([]string{"x"})
	p := views["x"]
	buf := make([]byte, f.ByteSize())
	stride := f.Shape().ContiguousStrides(f.ElemSize())
	require.NoError(t, p.SetData(unsafe.Pointer(&buf[0]), f.TypeName(), stride))

	c := comm.New[Payload](true, nil, 1)
	serverAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "x"}
	slot := New(Options{Label: "x", BatchSize: batchSize, MinBatchSize: minBatchSize, Timeout: time.Second},
		map[string]*extractor.AnyP{"x": p}, c, serverAddr, zap.NewNop())
	slot.Start()

	statusCh := make(chan comm.ReplyStatus, 2)
	sendContribution := func(n int) {
		clientAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "client"}
		payloads := make([]Payload, n)
		for i := range payloads {
			v := float32(i + 1)
			fws := extractor.BindStateToFunctions[*float32](ext, map[string][]string{"x": {"x"}}, []string{"x"}, &v, nil)
			payloads[i] = &fws
		}
		statusCh <- c.SendBatchWait(clientAddr, []string{"x"}, payloads)
	}
	go sendContribution(2)
	go sendContribution(3)

	require.NoError(t, slot.WaitBatchFillMem())
	total := slot.Data().ActiveBatchSize
	assert.Equal(t, 5, total, "active batch size must equal the sum of every contributing message's length")
	assert.GreaterOrEqual(t, total, minBatchSize)
	assert.LessOrEqual(t, total, batchSize)

	slot.WaitReplyReleaseBatch(comm.Success)

	for i := 0; i < 2; i++ {
		select {
		case status := <-statusCh:
			assert.Equal(t, comm.Success, status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a client's batch release")
		}
	}
}

func TestSecondsSinceReleaseTracksLastRelease(t *testing.T) {
	slot := &SharedMem{}
	assert.Zero(t, slot.SecondsSinceRelease(), "a slot that has never released reports zero")

	slot.lastRelease = time.Now().Add(-2 * time.Second)
	assert.InDelta(t, 2.0, slot.SecondsSinceRelease(), 0.5)
}

