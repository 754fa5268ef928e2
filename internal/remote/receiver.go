package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
	"go.uber.org/zap"
)

// ReceiverConfig names the Sender's control endpoint a Receiver dials to
// learn its data-plane endpoints and accepted signature.
type ReceiverConfig struct {
	ControlEndpoint string
}

// Process is what the host process does with one inbound batch before
// it must be shipped back: read d.Mem, run inference/whatever the batch
// is for, write replies into d.Mem, and return.
type Process func(d *sharedmem.Data)

// Receiver is the remote-mode worker side: it performs the handshake
// with a Sender, then loops pulling batches off its assigned data
// endpoints, invoking Process, and shipping the filled batch back.
type Receiver struct {
	cfg    ReceiverConfig
	logger *zap.Logger
	stats  *Stats

	control Transport
	data    []Transport

	signature string
}

// NewReceiver dials cfg.ControlEndpoint, performs the handshake, and
// opens one Transport per endpoint the Sender assigned.
func NewReceiver(cfg ReceiverConfig, logger *zap.Logger) (*Receiver, error) {
	r := &Receiver{cfg: cfg, logger: logger, stats: NewStats(logger)}

	r.control = NewZMQDealer(cfg.ControlEndpoint, logger)
	req, err := json.Marshal(handshakeRequest{ReceiverID: NewSignature()})
	if err != nil {
		return nil, fmt.Errorf("remote: handshake request encode: %w", err)
	}
	if err := r.control.Send(context.Background(), req); err != nil {
		return nil, fmt.Errorf("remote: handshake request: %w", err)
	}
	b, err := r.control.Recv(context.Background())
	if err != nil {
		return nil, fmt.Errorf("remote: handshake reply: %w", err)
	}
	var hs handshake
	if err := json.Unmarshal(b, &hs); err != nil {
		return nil, fmt.Errorf("remote: handshake decode: %w", err)
	}
	if !hs.Valid {
		return nil, fmt.Errorf("remote: sender rejected handshake")
	}
	r.signature = hs.Signature
	for _, ep := range hs.Endpoints {
		r.data = append(r.data, NewZMQDealer(ep, logger))
	}
	return r, nil
}

// Serve loops over every data endpoint concurrently, applying proc to
// each inbound batch (routed into a locally registered Data via
// bindings) and shipping the filled batch back. bindings maps a
// Label to the local sharedmem.Data a decoded Envelope of that label
// should be decoded into; Serve returns when ctx is cancelled.
func (r *Receiver) Serve(ctx context.Context, bindings map[string]*sharedmem.Data, proc Process) {
	for _, d := range r.data {
		go r.serveOne(ctx, d, bindings, proc)
	}
	<-ctx.Done()
}

func (r *Receiver) serveOne(ctx context.Context, t Transport, bindings map[string]*sharedmem.Data, proc Process) {
	for {
		b, err := t.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.logger != nil {
				r.logger.Warn("remote: recv failed", zap.Error(err))
			}
			continue
		}
		env, err := Unmarshal(b)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("remote: dropping malformed batch", zap.Error(err))
			}
			continue
		}

		local, ok := bindings[env.Label]
		if !ok {
			if r.logger != nil {
				r.logger.Warn("remote: no local binding for label", zap.String("label", env.Label))
			}
			continue
		}

		// Remember the sender's idx/labelIdx, swap in the locally bound
		// values for proc, then swap back before replying: the sender
		// must see its own routing indices, proc must see a consistent
		// local Data no different from a local-mode batch.
		remoteIdx, remoteLabelIdx := env.Idx, env.LabelIdx
		env.Idx, env.LabelIdx = local.Options.Idx, local.Options.LabelIdx

		if err := Decode(env, local); err != nil {
			if r.logger != nil {
				r.logger.Warn("remote: decode failed", zap.Error(err))
			}
			continue
		}
		r.stats.Feed(remoteLabelIdx, local.ActiveBatchSize)

		proc(local)

		reply := Encode(local, r.signature)
		reply.Idx, reply.LabelIdx = remoteIdx, remoteLabelIdx
		out, err := Marshal(reply)
		if err != nil {
			continue
		}
		if err := t.Send(ctx, out); err != nil {
			if r.logger != nil {
				r.logger.Warn("remote: reply send failed", zap.Error(err))
			}
			continue
		}
		r.stats.RecordRelease(remoteLabelIdx, local.ActiveBatchSize)
	}
}

// Close tears down every connection the Receiver opened.
func (r *Receiver) Close() error {
	var first error
	if r.control != nil {
		first = r.control.Close()
	}
	for _, d := range r.data {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
