// Package metrics exposes Prometheus instrumentation for the pipeline.
//
// Metrics are registered once via promauto on the default registry;
// components update them directly. Nothing here runs on the producer
// hot path: counters are bumped by the batch-processing side only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events accepted into the ring buffer.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamline_events_ingested_total",
		Help: "Total events accepted into the ring buffer",
	})

	// EventsDropped counts events lost to buffer overflow, by policy.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamline_events_dropped_total",
		Help: "Total events dropped by the ring buffer, by overflow policy",
	}, []string{"policy"})

	// EventsCorrelated counts events that passed through the correlator.
	EventsCorrelated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamline_events_correlated_total",
		Help: "Total events processed by the correlator",
	})

	// CorrelationAnomalies counts non-fatal correlation irregularities.
	CorrelationAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamline_correlation_anomalies_total",
		Help: "Total correlation anomalies by kind",
	}, []string{"kind"})

	// EventsStored counts events written to the indexed store.
	EventsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamline_events_stored_total",
		Help: "Total events written to the indexed store",
	})

	// EventsPruned counts events removed by age-based pruning.
	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamline_events_pruned_total",
		Help: "Total events removed by age-based pruning",
	})

	// BufferUtilization is the live-event fraction of buffer capacity.
	BufferUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beamline_buffer_utilization",
		Help: "Ring buffer utilization (0.0-1.0)",
	})

	// BatchDuration tracks batch processing latency through the
	// correlate-and-store path.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beamline_batch_duration_seconds",
		Help:    "Batch correlate-and-store duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	})

	// BatchSize tracks events per processed batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beamline_batch_size_events",
		Help:    "Events per processed batch",
		Buckets: []float64{1, 8, 32, 128, 512, 2048},
	})

	// WorkerRestarts counts supervised writer worker restarts.
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamline_worker_restarts_total",
		Help: "Total async writer worker restarts after failure",
	})
)
