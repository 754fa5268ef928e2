// Package metrics exposes the dispatcher's Prometheus surface as
// package-level promauto collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SharedMemQueueDepth tracks how many items the SharedMem's current
	// filled batch holds while it waits on release (0 once released),
	// per label.
	SharedMemQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharedmem_queue_depth",
			Help: "Items in the filled, unreleased batch per SharedMem label",
		},
		[]string{"label"},
	)

	// SharedMemSecondsSinceRelease tracks how long it has been since a
	// SharedMem last completed a release cycle, per label.
	SharedMemSecondsSinceRelease = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sharedmem_seconds_since_release",
			Help: "Seconds since the last successful release, per SharedMem label",
		},
		[]string{"label"},
	)

	// BatchFillDuration tracks how long a batch took to fill before
	// release, whether it hit min-batch timeout or filled completely.
	BatchFillDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_fill_duration_seconds",
			Help:    "Time spent waiting for a batch to fill before release",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"label"},
	)

	// RemoteOutstanding tracks a remote Stats' fed-minus-released element
	// count, totalled across every label index and written under the
	// label index of the most recent Feed or RecordRelease.
	RemoteOutstanding = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remote_outstanding_batches",
			Help: "Elements fed but not yet released (total across labels), under the most recent label index",
		},
		[]string{"label"},
	)

	// RemoteAvgBatchSize tracks a remote Stats' running average batch
	// size over its current window, across every label index, written
	// under the label index of the most recent Feed.
	RemoteAvgBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remote_avg_batch_size",
			Help: "Running average batch size over the current window, under the most recent label index",
		},
		[]string{"label"},
	)

	// RemoteRepliesDropped tracks replies discarded due to a stale
	// sender-generation signature.
	RemoteRepliesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_replies_dropped_total",
			Help: "Replies dropped due to a signature mismatch",
		},
	)

	// ReplayShardSize tracks live record count per replay buffer shard.
	ReplayShardSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replay_shard_size",
			Help: "Live record count per replay buffer shard",
		},
		[]string{"shard", "parity"},
	)

	// ReplaySamplesServed counts samples handed out by the replay
	// buffer, by the parity that was requested.
	ReplaySamplesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_samples_served_total",
			Help: "Samples served by the replay buffer, by requested parity",
		},
		[]string{"parity"},
	)

	// RecordplaneDuplicatesDropped counts records the loader's dedupe
	// cache discarded as retransmitted duplicates.
	RecordplaneDuplicatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordplane_duplicates_dropped_total",
			Help: "Records dropped by the loader's (thread_id, seq) dedupe cache",
		},
		[]string{"identity"},
	)

	// RecordplaneRecordsIngested counts records accepted into the
	// replay buffer by the loader.
	RecordplaneRecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordplane_records_ingested_total",
			Help: "Records accepted into the replay buffer by the loader",
		},
		[]string{"identity"},
	)
)
