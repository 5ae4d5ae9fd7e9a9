package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beamline/beamline/config"
)

// OverflowPolicy selects the ring buffer's behavior when full.
type OverflowPolicy string

const (
	// DropOldest overwrites the oldest unread event and advances the
	// logical read floor.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest rejects the incoming write.
	DropNewest OverflowPolicy = "drop_newest"
	// Block makes the producer retry with backoff until space frees or
	// the block timeout expires, after which it behaves as DropNewest.
	Block OverflowPolicy = "block"
)

// Config represents the complete pipeline configuration.
type Config struct {
	// Buffer configures the lock-free ring buffer.
	Buffer BufferConfig `yaml:"buffer"`

	// Ingest configures the event ingestion path.
	Ingest IngestConfig `yaml:"ingest"`

	// Writer configures the async writer pool.
	Writer WriterConfig `yaml:"writer"`

	// Correlation configures the event correlator.
	Correlation CorrelationConfig `yaml:"correlation"`

	// Store configures the indexed event store.
	Store StoreConfig `yaml:"store"`
}

// BufferConfig configures the lock-free ring buffer.
type BufferConfig struct {
	// Capacity is the slot count. Must be a power of two.
	Capacity int `yaml:"capacity"`

	// OverflowPolicy is one of drop_oldest, drop_newest, block.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// BlockTimeout bounds the wait under the block policy. Zero means
	// wait indefinitely.
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// IngestConfig configures the event ingestion path.
type IngestConfig struct {
	// TruncationThresholdBytes is the byte limit for payload string
	// fields before they are replaced with a truncation marker.
	TruncationThresholdBytes int `yaml:"truncation_threshold_bytes"`
}

// WriterConfig configures the async writer pool.
type WriterConfig struct {
	// PoolSize is the number of worker goroutines.
	PoolSize int `yaml:"pool_size"`

	// BatchSize is the maximum events per batch read. Larger batches
	// amortize correlation/storage overhead at the cost of latency.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DrainTimeout is how long Stop waits for in-flight batches.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// SketchAccuracy is the DDSketch relative accuracy for batch
	// latency percentiles.
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// CorrelationConfig configures the event correlator.
type CorrelationConfig struct {
	// TTL bounds retention of correlation bookkeeping.
	TTL time.Duration `yaml:"ttl"`

	// DedupWindow is the number of recent event ids remembered per
	// shard for idempotent reprocessing.
	DedupWindow int `yaml:"dedup_window"`

	// ShardCount is the number of correlator shards.
	ShardCount int `yaml:"shard_count"`
}

// StoreConfig configures the indexed event store.
type StoreConfig struct {
	// PruneInterval is how often the age-based prune loop runs.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// PruneHorizon is the retention window for stored events.
	PruneHorizon time.Duration `yaml:"prune_horizon"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			Capacity:       config.DefaultBufferCapacity,
			OverflowPolicy: DropOldest,
			BlockTimeout:   config.DefaultBlockTimeout,
		},
		Ingest: IngestConfig{
			TruncationThresholdBytes: config.DefaultTruncationThreshold,
		},
		Writer: WriterConfig{
			PoolSize:       config.DefaultWorkerPoolSize,
			BatchSize:      config.DefaultBatchSize,
			PollInterval:   config.DefaultPollInterval,
			DrainTimeout:   config.DefaultDrainTimeout,
			SketchAccuracy: config.DefaultSketchAccuracy,
		},
		Correlation: CorrelationConfig{
			TTL:         config.DefaultCorrelationTTL,
			DedupWindow: config.DefaultDedupWindow,
			ShardCount:  config.DefaultShardCount,
		},
		Store: StoreConfig{
			PruneInterval: config.DefaultPruneInterval,
			PruneHorizon:  config.DefaultPruneHorizon,
		},
	}
}
