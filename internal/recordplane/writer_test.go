package recordplane

import (
	"encoding/json"
	"testing"

	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterOnSendReportsNoReplyWhenEmpty(t *testing.T) {
	c := ctrl.New()
	addr := ctrl.Register[MsgRequest](c, ctrl.NewHandle(), "writer")
	w := NewWriter("w1", c, addr, nil)

	kind, payload, err := w.OnSend()
	require.NoError(t, err)
	assert.Equal(t, NoReply, kind)
	assert.Empty(t, payload)
}

// TestWriterOnSendDumpsAndClearsPendingRecords exercises a writer-client
// round trip: accumulated records and thread state are flushed as one
// JSON payload, and the pending buffer is cleared afterward.
func TestWriterOnSendDumpsAndClearsPendingRecords(t *testing.T) {
	c := ctrl.New()
	addr := ctrl.Register[MsgRequest](c, ctrl.NewHandle(), "writer")
	w := NewWriter("w1", c, addr, nil)

	w.AddRecord(Record{Request: "a", Result: "ra", ThreadID: 1, Seq: 1})
	w.UpdateThreadState(ThreadState{ThreadID: 1, Seq: 1, MoveIdx: 0})

	kind, payload, err := w.OnSend()
	require.NoError(t, err)
	assert.Equal(t, FinalReply, kind)

	parsed, err := ParseRecords(payload)
	require.NoError(t, err)
	assert.Equal(t, "w1", parsed.Identity)
	require.Len(t, parsed.Records, 1)
	assert.Equal(t, uint64(1), parsed.Records[0].Seq)

	kind, _, err = w.OnSend()
	require.NoError(t, err)
	assert.Equal(t, NoReply, kind, "the pending record buffer must be cleared after a send")
}

func TestWriterOnRecvDeliversToDispatcherMailbox(t *testing.T) {
	c := ctrl.New()
	addr := ctrl.Register[MsgRequest](c, ctrl.NewHandle(), "writer")
	w := NewWriter("w1", c, addr, nil)

	req := MsgRequest{ModelID: "m1"}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, w.OnRecv(string(b)))

	got, err := ctrl.Wait[MsgRequest](c, addr)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ModelID)
}
