package recordplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/cache"
	"github.com/PayRpc/elf-dispatch/internal/metrics"
	"github.com/PayRpc/elf-dispatch/internal/replay"
	"github.com/PayRpc/elf-dispatch/internal/store"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// replyCacheTTL bounds how long a freshly built reply is reused for a
// given identity. A worker that stalls and resends its batch before the
// next model update lands gets back the same reply instead of paying
// for another ReplyFunc call and JSON marshal.
const replyCacheTTL = 250 * time.Millisecond

// dedupeCacheSize bounds the (thread_id, seq) window the loader uses to
// discard retransmitted duplicates. Replay/at-least-once isn't
// guaranteed by the transport, so a worker that times out waiting for a
// reply may legitimately resend the same batch.
const dedupeCacheSize = 8192

// ReplyFunc produces the next request to hand back to identity,
// typically carrying the current model version/parameters; the hosting
// binary supplies the real content.
type ReplyFunc func(identity string) MsgRequest

// Loader is the trainer-host data-loader server: it accepts Records
// batches from any number of writer-client identities, inserts new
// records into the replay buffer, and answers each with the next
// request for that worker.
type Loader struct {
	buf    *replay.Buffer
	reply  ReplyFunc
	logger *zap.Logger

	dedupe *lru.Cache
	arch   *store.Store // optional durable archive, nil if unconfigured

	replyCache *cache.Cache // short-TTL cache of encoded per-identity replies

	mu     sync.Mutex
	states map[uint64]ThreadState
}

// NewLoader wires buf as the insertion target and reply as the
// per-identity next-request producer. arch may be nil to skip durable
// archiving.
func NewLoader(buf *replay.Buffer, reply ReplyFunc, arch *store.Store, logger *zap.Logger) (*Loader, error) {
	c, err := lru.New(dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{
		buf:        buf,
		reply:      reply,
		arch:       arch,
		logger:     logger,
		dedupe:     c,
		replyCache: cache.New(),
		states:     make(map[uint64]ThreadState),
	}, nil
}

type dedupeKey struct {
	threadID uint64
	seq      uint64
}

// OnReceive parses msg as a Records batch, inserts every record not
// already seen into the replay buffer, folds in the sender's thread
// state window, and reports the aggregate InsertInfo.
func (l *Loader) OnReceive(identity string, msg string) (InsertInfo, error) {
	recs, err := ParseRecords(msg)
	if err != nil {
		return InsertInfo{}, fmt.Errorf("recordplane: parse records from %s: %w", identity, err)
	}

	info := InsertInfo{Success: true, MsgSize: len(msg)}
	for _, r := range recs.Records {
		key := dedupeKey{threadID: r.ThreadID, seq: r.Seq}
		if l.dedupe.Contains(key) {
			metrics.RecordplaneDuplicatesDropped.WithLabelValues(identity).Inc()
			info = info.add(InsertInfo{Success: true, N: 1})
			continue
		}
		l.dedupe.Add(key, struct{}{})
		delta := l.buf.Insert(r, replay.Any)
		metrics.RecordplaneRecordsIngested.WithLabelValues(identity).Inc()
		info = info.add(InsertInfo{Success: true, Delta: delta, N: 1})

		if l.arch != nil {
			if err := l.arch.SaveRecord(context.Background(), identity, r.ThreadID, r.Seq, r.Request, r.Result, r.Timestamp); err != nil && l.logger != nil {
				l.logger.Warn("recordplane: archive write failed", zap.String("identity", identity), zap.Error(err))
			}
		}
	}

	l.mu.Lock()
	for id, s := range recs.States {
		l.states[id] = s
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Debug("recordplane: ingested batch",
			zap.String("identity", identity), zap.Int("n", info.N), zap.Int("delta", info.Delta))
	}
	return info, nil
}

// OnReply produces the next MsgRequest for identity, encoded ready to
// send back over whatever transport the host wires up. The encoded
// form is cached briefly per identity so a worker that resends before
// the next model update lands gets the same bytes without another
// ReplyFunc call and marshal.
func (l *Loader) OnReply(identity string) (string, error) {
	v, _, err := l.replyCache.GetOrLoad(context.Background(), identity, replyCacheTTL, func(context.Context) (any, error) {
		req := l.reply(identity)
		b, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ThreadState returns the loader's last known state for threadID, if
// any writer has reported one.
func (l *Loader) ThreadState(threadID uint64) (ThreadState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[threadID]
	return s, ok
}
