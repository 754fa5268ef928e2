package ctrl

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GameReply carries a worker's reply back to its dispatcher, tagged with
// the sender's own address so the dispatcher loop can map it back to a
// game index.
type GameReply[R any] struct {
	From  Addr
	Reply R
}

// ReplierFunc decides, after one round of replies, which games should
// receive another request and be awaited again. The returned slice is
// matched by position to the games still active this round, in
// registration order: entry i decides the i-th active game.
type ReplierFunc[S any, R any] func(requests map[int]S, replies map[int]R) []bool

// FirstSendFunc optionally rewrites the request sent to a specific game
// index before the first send of a round.
type FirstSendFunc[S any] func(idx int, req S) S

// Dispatcher is a ThreadedDispatcher<S,R>: one controller loop that pushes
// a request to every registered game thread, collects one reply per
// active game, and asks a caller-supplied policy whether each game's
// session continues.
type Dispatcher[S any, R any] struct {
	c      *Ctrl
	addr   Addr
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	order    []int
	games    map[int]Addr
	byAddr   map[Addr]int
	lastMsg  *S
	hasFirst bool
}

// NewDispatcher registers the dispatcher's own inbound S and GameReply[R]
// mailboxes on handle/label and returns the ready-to-configure Dispatcher.
func NewDispatcher[S any, R any](c *Ctrl, handle ThreadHandle, label string, logger *zap.Logger) *Dispatcher[S, R] {
	addr := Register[S](c, handle, label)
	Register[GameReply[R]](c, handle, label)
	d := &Dispatcher[S, R]{
		c:      c,
		addr:   addr,
		logger: logger,
		games:  make(map[int]Addr),
		byAddr: make(map[Addr]int),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Addr returns the dispatcher's own address (where Push delivers S and
// where games must send GameReply[R]).
func (d *Dispatcher[S, R]) Addr() Addr { return d.addr }

// RegGame registers a game thread's inbound S mailbox and assigns it the
// next integer index, per the source system's regGame(idx) contract.
func (d *Dispatcher[S, R]) RegGame(handle ThreadHandle, label string) (int, Addr) {
	addr := Register[S](d.c, handle, label)

	d.mu.Lock()
	idx := len(d.order)
	d.order = append(d.order, idx)
	d.games[idx] = addr
	d.byAddr[addr] = idx
	d.mu.Unlock()
	d.cond.Broadcast()

	return idx, addr
}

// Push delivers a new request into the dispatcher's own S inbox.
func (d *Dispatcher[S, R]) Push(req S) error {
	return Send[S](d.c, d.addr, req)
}

func (d *Dispatcher[S, R]) waitForGames(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.order) < n {
		d.cond.Wait()
	}
}

func (d *Dispatcher[S, R]) snapshot() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.order...)
}

func (d *Dispatcher[S, R]) addrOf(idx int) Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.games[idx]
}

func (d *Dispatcher[S, R]) idxOf(addr Addr) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.byAddr[addr]
	return idx, ok
}

// Start launches the dispatcher loop in its own goroutine. It blocks until
// n games have registered, then repeatedly: waits for a new request,
// fans it out, collects replies, and asks replier which games continue.
// The loop observes ctx for cooperative shutdown, polling with a 1s
// mailbox timeout between checks as the Design Notes recommend.
func (d *Dispatcher[S, R]) Start(ctx context.Context, n int, replier ReplierFunc[S, R], firstSend FirstSendFunc[S]) {
	go d.loop(ctx, n, replier, firstSend)
}

func (d *Dispatcher[S, R]) loop(ctx context.Context, n int, replier ReplierFunc[S, R], firstSend FirstSendFunc[S]) {
	d.waitForGames(n)

	for {
		if ctx.Err() != nil {
			return
		}

		req, ok, err := Peek[S](d.c, d.addr, time.Second)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("dispatcher: peek failed", zap.Error(err))
			}
			return
		}
		if !ok {
			continue
		}
		if d.hasFirst && reflect.DeepEqual(*d.lastMsg, req) {
			continue
		}
		d.lastMsg = &req
		d.hasFirst = true

		d.runRound(req, replier, firstSend)
	}
}

func (d *Dispatcher[S, R]) runRound(req S, replier ReplierFunc[S, R], firstSend FirstSendFunc[S]) {
	active := d.snapshot()
	requests := make(map[int]S, len(active))

	for _, idx := range active {
		sent := req
		if firstSend != nil {
			sent = firstSend(idx, req)
		}
		requests[idx] = sent
		if err := Send[S](d.c, d.addrOf(idx), sent); err != nil && d.logger != nil {
			d.logger.Warn("dispatcher: send to game failed", zap.Int("idx", idx), zap.Error(err))
		}
	}

	for len(active) > 0 {
		replies := make(map[int]R, len(active))
		for range active {
			gr, err := Wait[GameReply[R]](d.c, d.addr)
			if err != nil {
				if d.logger != nil {
					d.logger.Error("dispatcher: wait for reply failed", zap.Error(err))
				}
				return
			}
			idx, known := d.idxOf(gr.From)
			if !known {
				if d.logger != nil {
					d.logger.Warn("dispatcher: reply from unknown address", zap.Stringer("addr", gr.From))
				}
				continue
			}
			replies[idx] = gr.Reply
		}

		keep := replier(requests, replies)
		next := make([]int, 0, len(active))
		for i, idx := range active {
			if i < len(keep) && keep[i] {
				next = append(next, idx)
				if err := Send[S](d.c, d.addrOf(idx), requests[idx]); err != nil && d.logger != nil {
					d.logger.Warn("dispatcher: resend to game failed", zap.Int("idx", idx), zap.Error(err))
				}
			}
		}
		active = next
	}
}

// CheckMessage is the worker-side primitive: it blocks (or, if blocking is
// false, peeks with a zero timeout) for one S from the dispatcher, invokes
// onReceive, and reports the reply back via GameReply[R]. If onReceive
// returns true ("continue"), the caller should invoke CheckMessage again
// to await the next round.
func CheckMessage[S any, R any](c *Ctrl, self Addr, dispatcher Addr, blocking bool, onReceive func(S) (R, bool)) bool {
	var (
		req S
		ok  bool
		err error
	)
	if blocking {
		req, err = Wait[S](c, self)
		ok = err == nil
	} else {
		req, ok, err = TryPeek[S](c, self)
	}
	if err != nil || !ok {
		return false
	}

	reply, cont := onReceive(req)
	_ = Send[GameReply[R]](c, dispatcher, GameReply[R]{From: self, Reply: reply})
	return cont
}
