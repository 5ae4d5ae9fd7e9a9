package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Buffer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}

	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}

	if err := c.Writer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("writer: %w", err))
	}

	if err := c.Correlation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("correlation: %w", err))
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the buffer configuration.
func (c *BufferConfig) Validate() error {
	var errs []error

	if c.Capacity <= 0 || c.Capacity&(c.Capacity-1) != 0 {
		errs = append(errs, errors.New("capacity must be a positive power of two"))
	}

	switch c.OverflowPolicy {
	case DropOldest, DropNewest, Block:
	default:
		errs = append(errs, fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy))
	}

	if c.BlockTimeout < 0 {
		errs = append(errs, errors.New("block_timeout must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	if c.TruncationThresholdBytes <= 0 {
		return errors.New("truncation_threshold_bytes must be positive")
	}
	return nil
}

// Validate checks the writer pool configuration.
func (c *WriterConfig) Validate() error {
	var errs []error

	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}

	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("drain_timeout must be positive"))
	}

	if c.SketchAccuracy <= 0 || c.SketchAccuracy >= 1 {
		errs = append(errs, errors.New("sketch_accuracy must be in (0, 1)"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the correlation configuration.
func (c *CorrelationConfig) Validate() error {
	var errs []error

	if c.TTL <= 0 {
		errs = append(errs, errors.New("ttl must be positive"))
	}

	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("dedup_window must be positive"))
	}

	if c.ShardCount <= 0 {
		errs = append(errs, errors.New("shard_count must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.PruneInterval <= 0 {
		errs = append(errs, errors.New("prune_interval must be positive"))
	}

	if c.PruneHorizon <= 0 {
		errs = append(errs, errors.New("prune_horizon must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
