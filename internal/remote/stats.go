package remote

import (
	"strconv"
	"sync"

	"github.com/PayRpc/elf-dispatch/internal/metrics"
	"go.uber.org/zap"
)

// flushEvery bounds how often Stats logs a summary and resets its
// per-label counters, mirroring the periodic-flush sampling rate of the
// batch size telemetry.
const flushEvery = 5000

// Stats tracks per-label-index feed/release counts across a remote
// connection, surfacing starved labels (zero feeds in a window) and the
// running average batch size.
type Stats struct {
	logger *zap.Logger

	mu            sync.Mutex
	perLabel      map[int]int
	count         int
	sumBatchSize  int
	totalFed      int
	totalReleased int
}

// NewStats returns a Stats that logs summaries through logger (nil
// disables logging).
func NewStats(logger *zap.Logger) *Stats {
	return &Stats{logger: logger, perLabel: make(map[int]int)}
}

// Feed records one batch arriving for labelIdx, sized batchSize.
func (s *Stats) Feed(labelIdx, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.perLabel[labelIdx]++
	s.sumBatchSize += batchSize
	s.totalFed += batchSize
	s.count++

	label := strconv.Itoa(labelIdx)
	metrics.RemoteOutstanding.WithLabelValues(label).Set(float64(s.totalFed - s.totalReleased))
	metrics.RemoteAvgBatchSize.WithLabelValues(label).Set(float64(s.sumBatchSize) / float64(s.count))

	if s.count >= flushEvery {
		s.flushLocked()
	}
}

// RecordRelease records batchSize elements having completed their round
// trip and been released back to their clients.
func (s *Stats) RecordRelease(labelIdx, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalReleased += batchSize
	metrics.RemoteOutstanding.WithLabelValues(strconv.Itoa(labelIdx)).Set(float64(s.totalFed - s.totalReleased))
}

func (s *Stats) flushLocked() {
	if s.logger != nil {
		min, max := -1, -1
		var zero []int
		for idx := range s.perLabel {
			if min == -1 || idx < min {
				min = idx
			}
			if idx > max {
				max = idx
			}
		}
		for idx := min; min != -1 && idx <= max; idx++ {
			if s.perLabel[idx] == 0 {
				zero = append(zero, idx)
			}
		}
		s.logger.Info("remote: batch throughput",
			zap.Float64("avg_batch_size", float64(s.sumBatchSize)/float64(s.count)),
			zap.Int("fed", s.totalFed),
			zap.Int("released", s.totalReleased),
			zap.Int("in_flight", s.totalFed-s.totalReleased),
			zap.Ints("zero_entries", zero),
		)
	}
	s.perLabel = make(map[int]int)
	s.count = 0
	s.sumBatchSize = 0
}
