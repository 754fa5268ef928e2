package ctrl

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestDispatcherSingleRoundWhenRepliesAllFalse exercises the scenario
// where every game opts out after its first reply: the dispatcher must
// call the replier exactly once per pushed request and never resend.
func TestDispatcherSingleRoundWhenRepliesAllFalse(t *testing.T) {
	c := New()
	d := NewDispatcher[int, int](c, NewHandle(), "dispatcher", zap.NewNop())

	const n = 4
	gameAddrs := make([]Addr, n)
	for i := 0; i < n; i++ {
		idx, addr := d.RegGame(NewHandle(), fmt.Sprintf("game-%d", i))
		gameAddrs[idx] = addr
	}

	var received int32
	for i := 0; i < n; i++ {
		self := gameAddrs[i]
		go func() {
			CheckMessage[int, int](c, self, d.Addr(), true, func(req int) (int, bool) {
				atomic.AddInt32(&received, 1)
				return req * 2, false
			})
		}()
	}

	var rounds int32
	replier := func(requests map[int]int, replies map[int]int) []bool {
		atomic.AddInt32(&rounds, 1)
		assert.Len(t, replies, n)
		return make([]bool, len(requests))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx, n, replier, nil)

	require.NoError(t, d.Push(7))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == n
	}, time.Second, 5*time.Millisecond)

	// Give the dispatcher a chance to misbehave and start a second round.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rounds), "replier must run exactly once when every reply is false")
}

func TestDispatcherFirstSendRewritesPerGame(t *testing.T) {
	c := New()
	d := NewDispatcher[int, int](c, NewHandle(), "dispatcher", zap.NewNop())

	idx0, addr0 := d.RegGame(NewHandle(), "game-0")
	idx1, addr1 := d.RegGame(NewHandle(), "game-1")

	received := make(chan int, 2)
	for _, self := range []Addr{addr0, addr1} {
		self := self
		go func() {
			CheckMessage[int, int](c, self, d.Addr(), true, func(req int) (int, bool) {
				received <- req
				return 0, false
			})
		}()
	}

	replier := func(requests map[int]int, replies map[int]int) []bool {
		return make([]bool, len(requests))
	}
	firstSend := func(idx int, req int) int {
		if idx == idx0 {
			return req + 100
		}
		return req
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx, 2, replier, firstSend)
	require.NoError(t, d.Push(1))

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-received:
			got[v] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for game to receive its request")
		}
	}
	assert.True(t, got[101], "game-0 should have received firstSend's rewritten request")
	assert.True(t, got[1], "game-1 should have received the unmodified request")
	_ = idx1
}
