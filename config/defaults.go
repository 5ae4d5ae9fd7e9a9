// Package config provides configuration defaults and utilities
// for the beamline pipeline.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the default ring buffer capacity.
	// Must be a power of two so index math reduces to a mask.
	// Override via config: buffer.capacity
	DefaultBufferCapacity = 65536

	// DefaultBlockTimeout is how long a producer waits for buffer space
	// under the block overflow policy before the write is dropped.
	// Override via config: buffer.block_timeout
	DefaultBlockTimeout = 10 * time.Millisecond
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultTruncationThreshold is the byte limit for payload string
	// fields. Larger values are replaced with a truncation marker.
	// Override via config: ingest.truncation_threshold_bytes
	DefaultTruncationThreshold = 4096
)

// =============================================================================
// Writer Pool Defaults
// =============================================================================

const (
	// DefaultWorkerPoolSize is the number of async writer workers.
	// Override via config: writer.pool_size
	DefaultWorkerPoolSize = 2

	// DefaultBatchSize is the maximum events per batch read.
	// Larger batches amortize correlation and storage overhead at the
	// cost of added latency.
	// Override via config: writer.batch_size
	DefaultBatchSize = 512

	// DefaultPollInterval is how long a worker sleeps after an empty poll.
	// Override via config: writer.poll_interval
	DefaultPollInterval = 5 * time.Millisecond

	// DefaultDrainTimeout is how long to wait for in-flight batches
	// during shutdown. After this timeout, remaining work is abandoned.
	// Override via config: writer.drain_timeout
	DefaultDrainTimeout = 5 * time.Second

	// DefaultSketchAccuracy is the DDSketch relative accuracy used for
	// batch latency percentiles (0.01 = 1% error).
	// Override via config: writer.sketch_accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Correlation Defaults
// =============================================================================

const (
	// DefaultCorrelationTTL bounds how long correlation bookkeeping
	// (contexts, pending messages, metadata, links) is retained.
	// Override via config: correlation.ttl
	DefaultCorrelationTTL = 5 * time.Minute

	// DefaultDedupWindow is the number of recently correlated event ids
	// remembered per shard for idempotent reprocessing after a worker
	// restart.
	// Override via config: correlation.dedup_window
	DefaultDedupWindow = 8192

	// DefaultShardCount is the number of correlator shards. Producers
	// hash onto shards; each shard exclusively owns its producers' state.
	// Override via config: correlation.shard_count
	DefaultShardCount = 4
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultPruneInterval is how often age-based pruning runs.
	// Override via config: store.prune_interval
	DefaultPruneInterval = 30 * time.Second

	// DefaultPruneHorizon is the event retention window. Events with a
	// timestamp older than now-horizon are removed by the prune loop.
	// Override via config: store.prune_horizon
	DefaultPruneHorizon = 10 * time.Minute
)
