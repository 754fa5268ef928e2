// Package replay implements the parity-balanced replay buffer: many
// bounded shards, a min-fill gate before sampling starts, and
// parity-aware insertion/sampling so even and odd shards stay roughly
// balanced under concurrent writers.
package replay

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/PayRpc/elf-dispatch/internal/metrics"
)

// Parity selects which half of the shard space Insert writes to. Sample
// takes no Parity; it balances the two halves itself.
type Parity int

const (
	// Any lets Insert pick uniformly across every shard.
	Any Parity = iota
	Even
	Odd
)

// clamp bounds the even-shard sampling ratio so a long streak of one
// parity's inserts can never fully starve the other out of the sampler.
const (
	minEvenRatio = 0.45
	maxEvenRatio = 0.55
)

// pollInterval is how long WaitUntilFilled sleeps between min-fill
// checks: coarse on purpose, since waiting for shards to fill is a
// startup-only condition, not a steady-state hot path.
const pollInterval = 60 * time.Second

type shard struct {
	mu      sync.RWMutex
	records []any
	maxSize int
}

func (s *shard) insert(r any) (delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > s.maxSize {
		s.records = s.records[1:]
		return 0
	}
	return 1
}

func (s *shard) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sampler is a scoped read acquisition over one shard: Release must be
// called exactly once, and the Record it returns is only valid until
// then.
type Sampler struct {
	sh    *shard
	idx   int
	freed bool
}

// Record returns the sampled entry. Valid only before Release.
func (s *Sampler) Record() any {
	return s.sh.records[s.idx]
}

// Release gives up the shard's shared read lock. Safe to call more than
// once.
func (s *Sampler) Release() {
	if s.freed {
		return
	}
	s.sh.mu.RUnlock()
	s.freed = true
}

// Buffer is the parity-balanced replay buffer: shard count must be
// even so Even/Odd partitions are equal-sized.
type Buffer struct {
	shards      []*shard
	queueMin    int
	evenIndices []int
	oddIndices  []int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Buffer with numShards shards (must be even and > 0),
// each bounded to maxSize entries, requiring queueMin entries per shard
// before the sampler will release one.
func New(numShards, maxSize, queueMin int, seed int64) (*Buffer, error) {
	if numShards <= 0 || numShards%2 != 0 {
		return nil, fmt.Errorf("replay: shard count must be even and positive, got %d", numShards)
	}
	b := &Buffer{
		queueMin: queueMin,
		rng:      rand.New(rand.NewSource(seed)),
	}
	b.shards = make([]*shard, numShards)
	for i := range b.shards {
		b.shards[i] = &shard{maxSize: maxSize}
		if i%2 == 0 {
			b.evenIndices = append(b.evenIndices, i)
		} else {
			b.oddIndices = append(b.oddIndices, i)
		}
	}
	return b, nil
}

func (b *Buffer) randIntn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

// Insert pushes r into a shard chosen uniformly among every shard
// matching parity (Any considers all shards), evicting the oldest entry
// if the shard is already at capacity. It returns the net change in
// stored-record count (0 or 1).
func (b *Buffer) Insert(r any, parity Parity) int {
	pool := b.poolFor(parity)
	idx := pool[b.randIntn(len(pool))]
	delta := b.shards[idx].insert(r)
	metrics.ReplayShardSize.WithLabelValues(strconv.Itoa(idx), b.parityLabel(idx)).Set(float64(b.shards[idx].size()))
	return delta
}

func (b *Buffer) parityLabel(idx int) string {
	if idx%2 == 0 {
		return "even"
	}
	return "odd"
}

func (b *Buffer) poolFor(parity Parity) []int {
	switch parity {
	case Even:
		return b.evenIndices
	case Odd:
		return b.oddIndices
	default:
		all := make([]int, len(b.shards))
		for i := range all {
			all[i] = i
		}
		return all
	}
}

// WaitUntilFilled blocks, polling every pollInterval, until every shard
// holds at least queueMin entries. It's a startup-only gate; callers
// that don't expect to wait long should poll size themselves instead.
func (b *Buffer) WaitUntilFilled() {
	for {
		filled := true
		for _, s := range b.shards {
			if s.size() < b.queueMin {
				filled = false
				break
			}
		}
		if filled {
			return
		}
		time.Sleep(pollInterval)
	}
}

// Sample first blocks in WaitUntilFilled until every shard holds
// queueMin entries. It then picks a shard biased toward whichever parity
// currently holds fewer total records, clamped to [minEvenRatio,
// maxEvenRatio] on the probability of picking an even shard, and samples
// uniformly within that shard while holding its read lock. It returns
// nil if the chosen shard is empty. Callers must call Sampler.Release
// when done reading the returned record.
func (b *Buffer) Sample() *Sampler {
	b.WaitUntilFilled()
	evenRatio := b.biasedEvenRatio()

	var pool []int
	var parityLabel string
	if b.randFloat() < evenRatio {
		pool = b.evenIndices
		parityLabel = "even"
	} else {
		pool = b.oddIndices
		parityLabel = "odd"
	}
	shardIdx := pool[b.randIntn(len(pool))]
	sh := b.shards[shardIdx]

	sh.mu.RLock()
	n := len(sh.records)
	if n == 0 {
		sh.mu.RUnlock()
		return nil
	}
	idx := b.randIntn(n)
	metrics.ReplaySamplesServed.WithLabelValues(parityLabel).Inc()
	return &Sampler{sh: sh, idx: idx}
}

func (b *Buffer) randFloat() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

// biasedEvenRatio weights toward the parity with fewer total records,
// so a run of same-parity inserts doesn't starve the other side out of
// the sampler for long.
func (b *Buffer) biasedEvenRatio() float64 {
	evenTotal, oddTotal := 0, 0
	for _, idx := range b.evenIndices {
		evenTotal += b.shards[idx].size()
	}
	for _, idx := range b.oddIndices {
		oddTotal += b.shards[idx].size()
	}
	total := evenTotal + oddTotal
	if total == 0 {
		return 0.5
	}
	// Under-represented parity gets sampled more: if even holds fewer
	// records than odd, bias toward even so it catches up.
	ratio := float64(oddTotal) / float64(total)
	if ratio < minEvenRatio {
		return minEvenRatio
	}
	if ratio > maxEvenRatio {
		return maxEvenRatio
	}
	return ratio
}

// NumShards reports the shard count the Buffer was constructed with.
func (b *Buffer) NumShards() int { return len(b.shards) }
