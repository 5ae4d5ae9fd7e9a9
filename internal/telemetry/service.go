// Package telemetry wires the capture pipeline together: ring buffer,
// ingestor, writer pool, correlator, and indexed store, plus the
// background loops that keep it healthy.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/logging"
	"github.com/beamline/beamline/internal/metrics"
	"github.com/beamline/beamline/internal/telemetry/buffer"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/correlate"
	"github.com/beamline/beamline/internal/telemetry/ingest"
	"github.com/beamline/beamline/internal/telemetry/store"
	"github.com/beamline/beamline/internal/telemetry/types"
	"github.com/beamline/beamline/internal/telemetry/writer"
)

var log = logging.Component("service")

// gaugeRefreshInterval is how often the utilization gauge is updated.
const gaugeRefreshInterval = time.Second

// Service is the capture pipeline. Events enter through Ingest, flow
// buffer -> writer pool -> correlator -> store, and come back out
// through the query methods.
type Service struct {
	cfg *config.Config

	// Components, in pipeline order
	buf        *buffer.RingBuffer
	ingestor   *ingest.Ingestor
	pool       *writer.Pool
	correlator *correlate.Correlator
	store      *store.DataAccess

	// State
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	startTime time.Time
}

// New creates the pipeline from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	buf, err := buffer.New(cfg.Buffer.Capacity, cfg.Buffer.OverflowPolicy, cfg.Buffer.BlockTimeout)
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}

	da := store.New()
	corr := correlate.New(cfg.Correlation, da)

	return &Service{
		cfg:        cfg,
		buf:        buf,
		ingestor:   ingest.New(buf, cfg.Ingest),
		pool:       writer.NewPool(cfg.Writer, []*buffer.RingBuffer{buf}, corr),
		correlator: corr,
		store:      da,
	}, nil
}

// Start starts the correlator, the writer pool, and the background
// loops.
func (s *Service) Start() error {
	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}
	s.running.Store(true)
	s.startTime = time.Now()

	if err := s.correlator.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start correlator: %w", err)
	}

	if err := s.pool.Start(); err != nil {
		s.correlator.Stop()
		s.running.Store(false)
		return fmt.Errorf("start writer pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		s.pruneLoop(ctx)
		return nil
	})
	s.group.Go(func() error {
		s.gaugeLoop(ctx)
		return nil
	})

	log.Info("pipeline started",
		"buffer_capacity", s.buf.Capacity(),
		"overflow_policy", s.cfg.Buffer.OverflowPolicy,
		"workers", s.cfg.Writer.PoolSize)
	return nil
}

// Stop drains and stops the pipeline. The writer pool goes first so
// buffered events reach the store before the correlator shuts down.
func (s *Service) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	s.cancel()
	_ = s.group.Wait()

	s.pool.Stop()
	s.correlator.Stop()

	log.Info("pipeline stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return nil
}

// Ingest captures one raw event.
func (s *Service) Ingest(raw ingest.RawEvent) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.ingestor.Ingest(raw)
}

// IngestBatch captures a batch of raw events, returning how many were
// accepted and how many failed.
func (s *Service) IngestBatch(raws []ingest.RawEvent) (ok, failed int) {
	if !s.running.Load() {
		return 0, len(raws)
	}
	return s.ingestor.IngestBatch(raws)
}

// Get returns one stored event by id.
func (s *Service) Get(id types.EventID) (types.CorrelatedEvent, error) {
	return s.store.Get(id)
}

// QueryTimeRange returns stored events with from <= MonotonicTS < to.
func (s *Service) QueryTimeRange(from, to int64, limit int) []types.CorrelatedEvent {
	return s.store.QueryTimeRange(from, to, limit)
}

// QueryByProducer returns stored events from one producer.
func (s *Service) QueryByProducer(producer types.ProducerID, limit int) []types.CorrelatedEvent {
	return s.store.QueryByProducer(producer, limit)
}

// QueryByFunction returns stored events attributed to one code
// location.
func (s *Service) QueryByFunction(module, function string, limit int) []types.CorrelatedEvent {
	return s.store.QueryByFunction(module, function, limit)
}

// QueryByCorrelation returns the stored events of one causal chain.
func (s *Service) QueryByCorrelation(correlationID string, limit int) []types.CorrelatedEvent {
	return s.store.QueryByCorrelation(correlationID, limit)
}

// CorrelationLinks returns the recorded causal links for a correlation
// id.
func (s *Service) CorrelationLinks(id string) []types.CorrelationLink {
	return s.correlator.Links(id)
}

// ResizeWorkers changes the writer pool size at runtime.
func (s *Service) ResizeWorkers(n int) {
	s.pool.Resize(n)
}

// pruneLoop removes stored events older than the retention horizon.
func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Store.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := types.MonotonicNow() - int64(s.cfg.Store.PruneHorizon)
			if removed := s.store.PruneBefore(cutoff); removed > 0 {
				log.Info("retention prune", "removed", removed)
			}
		}
	}
}

// gaugeLoop keeps the buffer gauges and counters current. The ingest
// path itself never touches Prometheus; deltas are exported from here.
func (s *Service) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	policy := string(s.cfg.Buffer.OverflowPolicy)
	var lastAccepted, lastDropped int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.BufferUtilization.Set(s.buf.Utilization())

			accepted := s.ingestor.Stats().Accepted
			metrics.EventsIngested.Add(float64(accepted - lastAccepted))
			lastAccepted = accepted

			dropped := s.buf.Stats().Dropped
			metrics.EventsDropped.WithLabelValues(policy).Add(float64(dropped - lastDropped))
			lastDropped = dropped
		}
	}
}

// Statistics is a point-in-time snapshot of pipeline health.
type Statistics struct {
	Uptime time.Duration

	// Ingestion and buffering
	TotalEvents       int64
	DroppedEvents     int64
	TruncatedFields   int64
	BufferUtilization float64

	// Correlation
	CorrelationAccuracy  float64
	CorrelationAnomalies int64

	// Storage
	StoredEvents        int64
	PrunedEvents        int64
	LiveEvents          int
	MemoryEstimateBytes int64

	// Writer pool
	Workers         int
	WorkerRestarts  int64
	BatchLatencyP50 float64
	BatchLatencyP95 float64
	BatchLatencyP99 float64
}

// Statistics returns a snapshot of pipeline statistics.
func (s *Service) Statistics() Statistics {
	ing := s.ingestor.Stats()
	bs := s.buf.Stats()
	cs := s.correlator.Stats()
	ss := s.store.Stats()
	ps := s.pool.Stats()

	return Statistics{
		Uptime:               time.Since(s.startTime),
		TotalEvents:          ing.Accepted,
		DroppedEvents:        bs.Dropped,
		TruncatedFields:      ing.Truncated,
		BufferUtilization:    bs.Utilization,
		CorrelationAccuracy:  cs.AccuracyEstimate,
		CorrelationAnomalies: cs.Anomalies,
		StoredEvents:         ss.Stored,
		PrunedEvents:         ss.Pruned,
		LiveEvents:           ss.Live,
		MemoryEstimateBytes:  ss.MemoryEstimateBytes,
		Workers:              ps.Workers,
		WorkerRestarts:       ps.Restarts,
		BatchLatencyP50:      ps.BatchLatencyP50,
		BatchLatencyP95:      ps.BatchLatencyP95,
		BatchLatencyP99:      ps.BatchLatencyP99,
	}
}
