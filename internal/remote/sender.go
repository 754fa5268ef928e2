package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/comm"
	"github.com/PayRpc/elf-dispatch/internal/errs"
	"github.com/PayRpc/elf-dispatch/internal/metrics"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"github.com/decred/dcrd/lru"
	"go.uber.org/zap"
)

// handshakeRequest is what a connecting Receiver sends: a self-minted
// identity it will keep using across reconnects, so the Sender can tell
// a genuine new peer from the same one reconnecting.
type handshakeRequest struct {
	ReceiverID string `json:"receiver_id"`
}

// handshake is the control-plane reply: it tells the Receiver which
// data-plane endpoints were opened for it, and under which signature
// generation its replies must be tagged to be accepted.
type handshake struct {
	Valid     bool     `json:"valid"`
	Signature string   `json:"signature"`
	Endpoints []string `json:"endpoints"`
}

// SenderConfig names the control endpoint a Sender listens on and the
// base data endpoints it hands out to connecting receivers.
type SenderConfig struct {
	ControlEndpoint string
	DataEndpoints   []string
}

// Sender is the remote-mode counterpart of a local collect function: it
// ships a filled SharedMemData across the wire to whichever receiver
// has registered for its label, and blocks until the matching reply
// envelope comes back.
type Sender struct {
	cfg       SenderConfig
	logger    *zap.Logger
	signature string
	stats     *Stats

	control Transport
	data    []Transport

	mu       sync.Mutex
	pending  map[string]chan *Envelope // key: fmt.Sprintf("%d/%d", labelIdx, idx)
	liveRecv *lru.Cache               // bounded set of receiver_ids seen in handshakes
}

// NewSender binds cfg's endpoints and returns a ready Sender. Call Start
// to begin serving handshakes.
func NewSender(cfg SenderConfig, logger *zap.Logger) *Sender {
	s := &Sender{
		cfg:       cfg,
		logger:    logger,
		signature: NewSignature(),
		stats:     NewStats(logger),
		control:   NewZMQRouter(cfg.ControlEndpoint, logger),
		pending:   make(map[string]chan *Envelope),
		liveRecv:  lru.NewCache(4096),
	}
	for _, ep := range cfg.DataEndpoints {
		s.data = append(s.data, NewZMQRouter(ep, logger))
	}
	return s
}

// Start launches the handshake-serving loop and one reply-demuxing loop
// per data endpoint; it returns once ctx is cancelled.
func (s *Sender) Start(ctx context.Context) {
	go s.serveHandshakes(ctx)
	for _, d := range s.data {
		go s.demux(ctx, d)
	}
}

func (s *Sender) serveHandshakes(ctx context.Context) {
	for {
		b, err := s.control.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Warn("remote: control recv failed", zap.Error(err))
			}
			continue
		}
		var req handshakeRequest
		if err := json.Unmarshal(b, &req); err == nil && req.ReceiverID != "" {
			if s.liveRecv.Contains(req.ReceiverID) && s.logger != nil {
				s.logger.Info("remote: receiver reconnected", zap.String("receiver_id", req.ReceiverID))
			}
			s.liveRecv.Add(req.ReceiverID)
		}
		resp := handshake{Valid: true, Signature: s.signature, Endpoints: s.cfg.DataEndpoints}
		out, _ := json.Marshal(resp)
		if err := s.control.Send(ctx, out); err != nil && s.logger != nil {
			s.logger.Warn("remote: control send failed", zap.Error(err))
		}
	}
}

func (s *Sender) demux(ctx context.Context, d Transport) {
	for {
		b, err := d.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		env, err := Unmarshal(b)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("remote: dropping malformed reply", zap.Error(err))
			}
			continue
		}
		if env.Signature != s.signature {
			metrics.RemoteRepliesDropped.Inc()
			if s.logger != nil {
				s.logger.Warn("remote: dropping stale-signature reply",
					zap.String("got", env.Signature), zap.String("want", s.signature))
			}
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[fmt.Sprintf("%d/%d", env.LabelIdx, env.Idx)]
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// CollectFunc returns a collector.CollectFunc that ships d across the
// wire to whatever receiver is serving its label and blocks for the
// matching reply, up to timeout.
func (s *Sender) CollectFunc(timeout time.Duration) func(d *sharedmem.Data) comm.ReplyStatus {
	return func(d *sharedmem.Data) comm.ReplyStatus {
		env := Encode(d, s.signature)
		key := fmt.Sprintf("%d/%d", env.LabelIdx, env.Idx)

		replyCh := make(chan *Envelope, 1)
		s.mu.Lock()
		s.pending[key] = replyCh
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.pending, key)
			s.mu.Unlock()
		}()

		out, err := Marshal(env)
		if err != nil {
			return comm.Unknown
		}
		target := s.data[rand.Intn(len(s.data))]

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := target.Send(ctx, out); err != nil {
			if s.logger != nil {
				s.logger.Warn("remote: send failed", zap.Error(errs.New(errs.TransportTransient, err)))
			}
			return comm.Failed
		}

		s.stats.Feed(env.LabelIdx, env.BatchSize)
		select {
		case reply := <-replyCh:
			if err := Decode(reply, d); err != nil {
				if s.logger != nil {
					s.logger.Warn("remote: decode failed", zap.Error(err))
				}
				return comm.Failed
			}
			s.stats.RecordRelease(env.LabelIdx, d.ActiveBatchSize)
			return comm.Success
		case <-ctx.Done():
			return comm.Failed
		}
	}
}
