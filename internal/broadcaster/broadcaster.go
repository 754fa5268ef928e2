// Package broadcaster fans a stream of events out to many subscribers,
// aggregating publishes into short batched flushes so a burst of
// events doesn't serialize once per subscriber per event.
package broadcaster

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// preEncodedFrame holds one event's serialized form for reuse across
// every subscriber, so fan-out doesn't re-marshal per client.
type preEncodedFrame struct {
	data    []byte
	created time.Time
}

type batchedBroadcast[T any] struct {
	event   T
	clients []chan T
}

// Broadcaster fans events of type T out to subscriber channels,
// aggregating publishes within a short window into one flush so a
// burst of events doesn't serialize once per subscriber per event.
type Broadcaster[T any] struct {
	subs      map[chan T]struct{}
	mu        sync.RWMutex
	logger    *zap.Logger
	batchChan chan batchedBroadcast[T]
	stopChan  chan struct{}
	wg        sync.WaitGroup
	framePool sync.Pool
}

// New builds a Broadcaster and starts its batching worker. Each
// subscriber's channel depth is set by Subscribe; a slow subscriber that
// fills its buffer has its oldest pending event dropped rather than
// blocking the flush for everyone else.
func New[T any](logger *zap.Logger) *Broadcaster[T] {
	b := &Broadcaster[T]{
		subs:      make(map[chan T]struct{}),
		logger:    logger,
		batchChan: make(chan batchedBroadcast[T], 1000),
		stopChan:  make(chan struct{}),
		framePool: sync.Pool{
			New: func() interface{} { return &bytes.Buffer{} },
		},
	}
	b.wg.Add(1)
	go b.fanOutBatcher()
	return b
}

// Subscribe adds a new subscriber with the given channel buffer depth.
func (b *Broadcaster[T]) Subscribe(bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, bufferSize)
	b.subs[ch] = struct{}{}
	if b.logger != nil {
		b.logger.Debug("broadcaster: subscriber added", zap.Int("total_subscribers", len(b.subs)))
	}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subCh := range b.subs {
		if subCh == ch {
			delete(b.subs, subCh)
			close(subCh)
			break
		}
	}
}

// Publish queues event for the next batch flush to every current
// subscriber. It does not encode the event; EncodeJSON does that
// separately. If the batch channel is full the event is dropped and
// logged, rather than blocking the publisher.
func (b *Broadcaster[T]) Publish(event T) {
	b.mu.RLock()
	if len(b.subs) == 0 {
		b.mu.RUnlock()
		return
	}
	clients := make([]chan T, 0, len(b.subs))
	for ch := range b.subs {
		clients = append(clients, ch)
	}
	b.mu.RUnlock()

	select {
	case b.batchChan <- batchedBroadcast[T]{event: event, clients: clients}:
	default:
		if b.logger != nil {
			b.logger.Warn("broadcaster: batch channel full, dropping publish")
		}
	}
}

// EncodeJSON marshals event using a pooled buffer, for callers that
// want the pre-encoded bytes alongside Publish (e.g. to log payload
// size without a second marshal).
func (b *Broadcaster[T]) EncodeJSON(event T) ([]byte, error) {
	buf := b.framePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer b.framePool.Put(buf)

	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return nil, err
	}
	frame := &preEncodedFrame{data: make([]byte, buf.Len()), created: time.Now()}
	copy(frame.data, buf.Bytes())
	return frame.data, nil
}

// fanOutBatcher aggregates publishes over a short tick so a burst of
// events flushes to subscribers once instead of once per event.
func (b *Broadcaster[T]) fanOutBatcher() {
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var pending []batchedBroadcast[T]
	const maxBatchSize = 64

	for {
		select {
		case <-b.stopChan:
			b.flush(pending)
			return
		case bc := <-b.batchChan:
			pending = append(pending, bc)
			if len(pending) >= maxBatchSize {
				b.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (b *Broadcaster[T]) flush(batch []batchedBroadcast[T]) {
	for _, bc := range batch {
		for _, ch := range bc.clients {
			select {
			case ch <- bc.event:
			default:
				// Subscriber is behind; drop the oldest pending event and
				// retry once rather than blocking the flush on one slow
				// reader.
				select {
				case <-ch:
					select {
					case ch <- bc.event:
					default:
					}
				default:
				}
			}
		}
	}
}

// Close stops the batching worker and closes every subscriber channel.
func (b *Broadcaster[T]) Close() {
	close(b.stopChan)
	b.wg.Wait()
	close(b.batchChan)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan T]struct{})
}

// Stats reports current fan-out load.
type Stats struct {
	Subscribers int `json:"subscribers"`
}

// GetStats returns current broadcaster statistics.
func (b *Broadcaster[T]) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Subscribers: len(b.subs)}
}
