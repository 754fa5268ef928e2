package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(signature string) *Sender {
	return &Sender{
		signature: signature,
		stats:     NewStats(nil),
		data:      []Transport{newMockTransport()},
		pending:   make(map[string]chan *Envelope),
	}
}

// TestSenderDemuxDropsStaleSignatureReplies is the remote round-trip
// scenario with a stale-signature drop: a reply tagged with a signature
// older than the sender's current generation must never reach a pending
// waiter, while one tagged with the current generation must.
func TestSenderDemuxDropsStaleSignatureReplies(t *testing.T) {
	s := newTestSender("current-gen")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.demux(ctx, s.data[0])

	replyCh := make(chan *Envelope, 1)
	s.mu.Lock()
	s.pending["0/0"] = replyCh
	s.mu.Unlock()

	stale := &Envelope{Signature: "old-gen", LabelIdx: 0, Idx: 0, Fields: map[string]FieldBlock{}}
	b, err := Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, s.data[0].Send(ctx, b))

	select {
	case <-replyCh:
		t.Fatal("a stale-signature reply must be dropped, not delivered to the pending waiter")
	case <-time.After(100 * time.Millisecond):
	}

	fresh := &Envelope{Signature: "current-gen", LabelIdx: 0, Idx: 0, Fields: map[string]FieldBlock{}}
	b, err = Marshal(fresh)
	require.NoError(t, err)
	require.NoError(t, s.data[0].Send(ctx, b))

	select {
	case env := <-replyCh:
		assert.Equal(t, "current-gen", env.Signature)
	case <-time.After(time.Second):
		t.Fatal("a current-signature reply should have reached the pending waiter")
	}
}

func TestSenderDemuxIgnoresUnmatchedPendingKey(t *testing.T) {
	s := newTestSender("sig")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.demux(ctx, s.data[0])

	env := &Envelope{Signature: "sig", LabelIdx: 9, Idx: 9, Fields: map[string]FieldBlock{}}
	b, err := Marshal(env)
	require.NoError(t, err)
	require.NoError(t, s.data[0].Send(ctx, b))

	select {
	case <-ctx.Done():
		t.Fatal("context should not have been cancelled")
	case <-time.After(50 * time.Millisecond):
		// no pending channel registered for "9/9": demux must not panic or block forever
	}
}
