package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFOPerHandleAndType(t *testing.T) {
	c := New()
	h := NewHandle()
	addr := Register[int](c, h, "worker")

	for i := 0; i < 5; i++ {
		require.NoError(t, Send[int](c, addr, i))
	}
	for i := 0; i < 5; i++ {
		v, err := Wait[int](c, addr)
		require.NoError(t, err)
		assert.Equal(t, i, v, "mailbox must deliver in send order")
	}
}

func TestMailboxTypesAreIndependent(t *testing.T) {
	c := New()
	h := NewHandle()
	addr := Register[int](c, h, "worker")
	Register[string](c, h, "worker")

	require.NoError(t, Send[int](c, addr, 1))
	require.NoError(t, Send[string](c, addr, "a"))
	require.NoError(t, Send[int](c, addr, 2))

	vi, ok, err := TryPeek[int](c, addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, vi)

	vs, ok, err := TryPeek[string](c, addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", vs)

	vi2, ok, err := TryPeek[int](c, addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, vi2)
}

func TestSendUnknownTypeErrors(t *testing.T) {
	c := New()
	addr := Register[int](c, NewHandle(), "worker")
	err := Send[string](c, addr, "nope")
	assert.Error(t, err)
}

func TestFilterPrefixDeterministicOrder(t *testing.T) {
	c := New()
	Register[int](c, NewHandle(), "worker-b")
	Register[int](c, NewHandle(), "worker-a")
	Register[int](c, NewHandle(), "other")

	got := c.FilterPrefix("worker-")
	require.Len(t, got, 2)
	assert.Equal(t, "worker-a", got[0].Label)
	assert.Equal(t, "worker-b", got[1].Label)
}

func TestProcessDispatchesToEveryCallback(t *testing.T) {
	c := New()
	addr := Register[int](c, NewHandle(), "cb")

	var seen []int
	RegisterCallback[int](c, addr, func(v int) bool {
		seen = append(seen, v)
		return v > 0
	})
	RegisterCallback[int](c, addr, func(v int) bool {
		seen = append(seen, v*10)
		return false
	})

	accepted := Process[int](c, addr, 3)
	assert.True(t, accepted, "at least one callback returned true")
	assert.Equal(t, []int{3, 30}, seen)

	accepted = Process[int](c, addr, -1)
	assert.False(t, accepted)
}
