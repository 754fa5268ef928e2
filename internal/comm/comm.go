package comm

import (
	"math/rand"
	"sync"

	"github.com/PayRpc/elf-dispatch/internal/concurrency"
	"github.com/PayRpc/elf-dispatch/internal/ctrl"
	"go.uber.org/zap"
)

// ReplyStatus mirrors the four-way status every reply closure returns.
// DONE_ONE_JOB means "more work is coming, don't count this as a finished
// reply yet"; the other three always count as one of the N expected
// replies for a sendWait session.
type ReplyStatus int

const (
	DoneOneJob ReplyStatus = iota
	Success
	Failed
	Unknown
)

func (s ReplyStatus) String() string {
	switch s {
	case DoneOneJob:
		return "done_one_job"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReplyFunc is the closure a server ships back to an invoking client;
// invoking it performs (and/or reports the result of) the server's side
// of one batch round.
type ReplyFunc func() ReplyStatus

// Comm is the client/server batching protocol built on top of Node's
// broadcast sessions, parameterized by the payload type D clients send.
// Servers register under labels; clients route by label, picking one
// registered server uniformly at random per label.
type Comm[D any] struct {
	expectReply bool
	logger      *zap.Logger

	mu      sync.RWMutex
	clients map[ctrl.Addr]*Node[ReplyFunc]
	servers map[ctrl.Addr]*Node[D]

	labelMu      sync.RWMutex
	serverLabels map[string][]ctrl.Addr

	regCounter *concurrency.Counter
	rngMu      sync.Mutex
	rng        *rand.Rand
}

// New returns a Comm. expectReply controls whether sendWait blocks for
// reply closures (true) or just fires the request and waits for release
// acknowledgement (false).
func New[D any](expectReply bool, logger *zap.Logger, seed int64) *Comm[D] {
	return &Comm[D]{
		expectReply:  expectReply,
		logger:       logger,
		clients:      make(map[ctrl.Addr]*Node[ReplyFunc]),
		servers:      make(map[ctrl.Addr]*Node[D]),
		serverLabels: make(map[string][]ctrl.Addr),
		regCounter:   concurrency.NewCounter(),
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (c *Comm[D]) clientNode(id ctrl.Addr) *Node[ReplyFunc] {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.clients[id]
	if !ok {
		n = NewNode[ReplyFunc]()
		c.clients[id] = n
	}
	return n
}

func (c *Comm[D]) serverNode(id ctrl.Addr) *Node[D] {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.servers[id]
	if !ok {
		n = NewNode[D]()
		c.servers[id] = n
	}
	return n
}

// RegServer publishes id under label, making it a candidate target for
// clients routing to that label.
func (c *Comm[D]) RegServer(id ctrl.Addr, label string) {
	c.serverNode(id) // ensure the node exists before anyone routes to it

	c.labelMu.Lock()
	c.serverLabels[label] = append(c.serverLabels[label], id)
	c.labelMu.Unlock()
	c.regCounter.Increment()
}

// WaitForRegs blocks until n servers have called RegServer, then resets
// the registration counter for the next wave.
func (c *Comm[D]) WaitForRegs(n int) {
	c.regCounter.WaitUntil(n)
	c.regCounter.Reset()
}

func (c *Comm[D]) pickServers(labels []string) []ctrl.Addr {
	c.labelMu.RLock()
	defer c.labelMu.RUnlock()

	out := make([]ctrl.Addr, 0, len(labels))
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	for _, label := range labels {
		ids := c.serverLabels[label]
		if len(ids) == 0 {
			if c.logger != nil {
				c.logger.Warn("comm: no server registered for label", zap.String("label", label))
			}
			continue
		}
		out = append(out, ids[c.rng.Intn(len(ids))])
	}
	return out
}

// SendBatchWait routes data to one server per label (chosen uniformly at
// random among that label's registrations), blocks until every targeted
// server releases the client, and returns the aggregate ReplyStatus.
func (c *Comm[D]) SendBatchWait(id ctrl.Addr, labels []string, data []D) ReplyStatus {
	serverIDs := c.pickServers(labels)
	if len(serverIDs) == 0 {
		return Unknown
	}

	node := c.clientNode(id)
	targets := make([]*Node[D], len(serverIDs))
	payloads := make([][]D, len(serverIDs))
	for i, sid := range serverIDs {
		targets[i] = c.serverNode(sid)
		payloads[i] = data
	}
	StartSession[ReplyFunc, D](node, targets, payloads)

	n := len(serverIDs)
	status := Unknown

	if c.expectReply {
		status = Success
		for n > 0 {
			msgs := node.WaitSessionInvite(WaitOptions{BatchSize: 1})
			if len(msgs) == 0 {
				continue
			}
			msg := msgs[0]
			res := msg.Data[0]()
			switch res {
			case DoneOneJob:
				// more work incoming from this server; don't decrement n
			case Unknown, Failed:
				n--
				status = res
			case Success:
				n--
			}
			msg.From.NotifySessionInvite()
		}
	}

	node.WaitSessionEnd()
	return status
}

// SendWait is SendBatchWait for a single data item.
func (c *Comm[D]) SendWait(id ctrl.Addr, labels []string, data D) ReplyStatus {
	return c.SendBatchWait(id, labels, []D{data})
}

// WaitBatch blocks until opt's batching rule is satisfied on id's server
// inbox and returns the collected client messages.
func (c *Comm[D]) WaitBatch(id ctrl.Addr, opt WaitOptions) []Msg[D] {
	return c.serverNode(id).WaitSessionInvite(opt)
}

// SendClosuresWaitDone ships one reply closure per message back to its
// originating client and blocks until every client has invoked its
// closure and acked back.
func (c *Comm[D]) SendClosuresWaitDone(messages []Msg[D], replies []ReplyFunc) {
	if len(messages) == 0 {
		return
	}
	serverNode := messages[0].To

	targets := make([]*Node[ReplyFunc], len(messages))
	payloads := make([][]ReplyFunc, len(messages))
	for i, m := range messages {
		targets[i] = m.From.(*Node[ReplyFunc])
		payloads[i] = []ReplyFunc{replies[i]}
	}
	StartSession[D, ReplyFunc](serverNode, targets, payloads)
	serverNode.WaitSessionEnd()
}

// ReleaseBatch resumes every client contributing to messages: if this
// Comm expects replies, it first ships each client a closure returning
// status; either way, it then directly acks each client's original
// sendWait session.
func (c *Comm[D]) ReleaseBatch(messages []Msg[D], status ReplyStatus) {
	if c.expectReply {
		replies := make([]ReplyFunc, len(messages))
		for i := range messages {
			replies[i] = func() ReplyStatus { return status }
		}
		c.SendClosuresWaitDone(messages, replies)
	}
	for _, m := range messages {
		m.From.NotifySessionInvite()
	}
}
