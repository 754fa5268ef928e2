package recordplane

import (
	"sync/atomic"
	"testing"

	"github.com/PayRpc/elf-dispatch/internal/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, reply ReplyFunc) *Loader {
	t.Helper()
	buf, err := replay.New(2, 1000, 0, 1)
	require.NoError(t, err)
	l, err := NewLoader(buf, reply, nil, nil)
	require.NoError(t, err)
	return l
}

// TestLoaderOnReceiveInsertsNewRecordsAndDedupes is the record-stream
// scenario: a batch with one duplicate (thread_id, seq) pair must only
// insert the genuinely new records into the replay buffer, while still
// reporting every record as accounted for.
func TestLoaderOnReceiveInsertsNewRecordsAndDedupes(t *testing.T) {
	l := newTestLoader(t, func(string) MsgRequest { return MsgRequest{} })

	first := &Records{
		Identity: "w1",
		Records: []Record{
			{Request: "a", Result: "ra", ThreadID: 1, Seq: 1},
			{Request: "b", Result: "rb", ThreadID: 1, Seq: 2},
		},
	}
	msg, err := first.DumpJSONString()
	require.NoError(t, err)
	info, err := l.OnReceive("w1", msg)
	require.NoError(t, err)
	assert.Equal(t, 2, info.N)
	assert.Equal(t, 2, info.Delta)
	assert.True(t, info.Success)

	resend := &Records{
		Identity: "w1",
		Records: []Record{
			{Request: "a", Result: "ra", ThreadID: 1, Seq: 1}, // duplicate
			{Request: "c", Result: "rc", ThreadID: 1, Seq: 3}, // new
		},
	}
	msg, err = resend.DumpJSONString()
	require.NoError(t, err)
	info, err = l.OnReceive("w1", msg)
	require.NoError(t, err)
	assert.Equal(t, 2, info.N, "both the duplicate and the new record count toward N")
	assert.Equal(t, 1, info.Delta, "only the genuinely new record should add to the replay buffer")
}

func TestLoaderOnReceiveRejectsMalformedPayload(t *testing.T) {
	l := newTestLoader(t, func(string) MsgRequest { return MsgRequest{} })
	_, err := l.OnReceive("w1", "not json")
	assert.Error(t, err)
}

func TestLoaderOnReplyCachesWithinTTL(t *testing.T) {
	var calls int64
	l := newTestLoader(t, func(identity string) MsgRequest {
		atomic.AddInt64(&calls, 1)
		return MsgRequest{ModelID: "model-" + identity}
	})

	a, err := l.OnReply("w1")
	require.NoError(t, err)
	b, err := l.OnReply("w1")
	require.NoError(t, err)

	assert.Equal(t, a, b, "a resend within the TTL window must get back the identical cached reply")
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "the reply function must not be invoked twice within the TTL window")
}

func TestLoaderThreadStateTracksLatestPerThread(t *testing.T) {
	l := newTestLoader(t, func(string) MsgRequest { return MsgRequest{} })

	recs := &Records{
		Identity: "w1",
		States: map[uint64]ThreadState{
			7: {ThreadID: 7, Seq: 3, MoveIdx: 2, Black: "b1", White: "w1"},
		},
	}
	msg, err := recs.DumpJSONString()
	require.NoError(t, err)
	_, err = l.OnReceive("w1", msg)
	require.NoError(t, err)

	state, ok := l.ThreadState(7)
	require.True(t, ok)
	assert.Equal(t, uint64(3), state.Seq)

	_, ok = l.ThreadState(99)
	assert.False(t, ok, "an unknown thread ID must report no state")
}
