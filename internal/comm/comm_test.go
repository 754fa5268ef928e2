package comm

import (
	"testing"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWaitReleaseBatchRoundTrip(t *testing.T) {
	c := New[string](true, nil, 1)
	serverAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "srv"}
	clientAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "cli"}
	c.RegServer(serverAddr, "work")

	statusCh := make(chan ReplyStatus, 1)
	go func() {
		statusCh <- c.SendWait(clientAddr, []string{"work"}, "hello")
	}()

	msgs := c.WaitBatch(serverAddr, WaitOptions{BatchSize: 10, MinBatchSize: 1, Timeout: time.Second})
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"hello"}, msgs[0].Data)

	c.ReleaseBatch(msgs, Success)

	select {
	case status := <-statusCh:
		assert.Equal(t, Success, status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client status")
	}
}

func TestSendWaitPropagatesFailedStatus(t *testing.T) {
	c := New[string](true, nil, 1)
	serverAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "srv"}
	clientAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "cli"}
	c.RegServer(serverAddr, "work")

	statusCh := make(chan ReplyStatus, 1)
	go func() {
		statusCh <- c.SendWait(clientAddr, []string{"work"}, "x")
	}()

	msgs := c.WaitBatch(serverAddr, WaitOptions{BatchSize: 10, MinBatchSize: 1, Timeout: time.Second})
	require.Len(t, msgs, 1)
	c.ReleaseBatch(msgs, Failed)

	select {
	case status := <-statusCh:
		assert.Equal(t, Failed, status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client status")
	}
}

func TestWaitForRegsBlocksUntilNServers(t *testing.T) {
	c := New[string](false, nil, 2)
	done := make(chan struct{})
	go func() {
		c.WaitForRegs(2)
		close(done)
	}()

	c.RegServer(ctrl.Addr{Handle: ctrl.NewHandle(), Label: "a"}, "x")
	select {
	case <-done:
		t.Fatal("WaitForRegs returned before the second registration")
	case <-time.After(20 * time.Millisecond):
	}

	c.RegServer(ctrl.Addr{Handle: ctrl.NewHandle(), Label: "b"}, "x")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForRegs did not unblock after n registrations")
	}
}

func TestWaitBatchHonorsMinBatchSizeTimeout(t *testing.T) {
	c := New[string](false, nil, 1)
	serverAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "srv"}
	clientAddr := ctrl.Addr{Handle: ctrl.NewHandle(), Label: "cli"}
	c.RegServer(serverAddr, "work")

	go func() {
		c.SendWait(clientAddr, []string{"work"}, "one")
	}()

	start := time.Now()
	msgs := c.WaitBatch(serverAddr, WaitOptions{BatchSize: 10, MinBatchSize: 1, Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	require.Len(t, msgs, 1)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "should wait roughly the full timeout before releasing an under-filled batch")
}
