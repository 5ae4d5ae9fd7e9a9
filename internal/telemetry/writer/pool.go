// Package writer provides the supervised async writer pool that drains
// ring buffers in batches and forwards them downstream.
//
// Key features:
//   - Pool-owned cursor table: cursor state lives outside any worker's
//     stack, so a restarted worker resumes from the last successfully
//     advanced position
//   - At-least-once delivery: a cursor advances only after the sink
//     accepts the batch; failed or panicked batches are re-read
//   - Panic isolation: a crashing worker is logged and respawned by the
//     supervisor without affecting other workers
//   - Graceful shutdown with drain timeout
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/logging"
	"github.com/beamline/beamline/internal/metrics"
	"github.com/beamline/beamline/internal/telemetry/buffer"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
)

var log = logging.Component("writer")

// Sink consumes drained batches. Implemented by the event correlator.
type Sink interface {
	ProcessBatch(ctx context.Context, events []types.Event) error
}

// bufferState is the pool-owned per-buffer read state. The mutex
// guarantees no two workers ever process the same event: whichever
// worker holds it owns the buffer's cursor for one read-process-advance
// cycle.
type bufferState struct {
	mu     sync.Mutex
	buf    *buffer.RingBuffer
	cursor *buffer.Cursor
}

// Pool drains one or more ring buffers with a supervised set of
// workers.
type Pool struct {
	cfg    config.WriterConfig
	states []*bufferState
	sink   Sink

	ctx    context.Context
	cancel context.CancelFunc

	shutdown chan struct{}
	exits    chan int
	wg       sync.WaitGroup
	running  atomic.Bool

	// desired is the target worker count; workers with an id at or
	// beyond it retire instead of being respawned. Worker ids are
	// always 0..desired-1 so a grown pool reuses retired ids.
	desired atomic.Int64

	// Batch latency percentiles.
	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch

	// Statistics
	batches  atomic.Int64
	events   atomic.Int64
	failures atomic.Int64
	restarts atomic.Int64
	active   atomic.Int32
}

// NewPool creates a writer pool over the given buffers. Each buffer
// gets exactly one pool-owned cursor.
func NewPool(cfg config.WriterConfig, buffers []*buffer.RingBuffer, sink Sink) *Pool {
	states := make([]*bufferState, len(buffers))
	for i, b := range buffers {
		states[i] = &bufferState{buf: b, cursor: b.NewCursor()}
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:      cfg,
		states:   states,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		exits:    make(chan int, cfg.PoolSize*2),
	}

	// Accuracy here only shapes internal latency percentiles; fall back
	// to no sketch rather than failing pool construction.
	if sketch, err := ddsketch.NewDefaultDDSketch(cfg.SketchAccuracy); err == nil {
		p.sketch = sketch
	}

	return p
}

// Start spawns the workers and the supervisor.
func (p *Pool) Start() error {
	if p.running.Load() {
		return errors.ErrAlreadyRunning
	}
	p.running.Store(true)

	p.desired.Store(int64(p.cfg.PoolSize))
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.spawn(i)
	}

	p.wg.Add(1)
	go p.supervisor()

	log.Info("writer pool started", "workers", p.cfg.PoolSize, "buffers", len(p.states))
	return nil
}

// Stop drains the pool, waiting up to the configured drain timeout for
// in-flight batches.
func (p *Pool) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)

	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("writer pool stopped")
	case <-time.After(p.cfg.DrainTimeout):
		log.Warn("writer pool drain timeout", "active_workers", p.active.Load())
	}

	p.cancel()
}

// Resize changes the target worker count. Growing spawns workers
// immediately; shrinking lets excess workers retire after their current
// batch. An operational lever for backlog, not a correctness mechanism.
func (p *Pool) Resize(n int) {
	if n <= 0 || !p.running.Load() {
		return
	}

	old := p.desired.Swap(int64(n))
	for i := old; i < int64(n); i++ {
		p.spawn(int(i))
	}

	log.Info("writer pool resized", "from", old, "to", n)
}

func (p *Pool) spawn(id int) {
	p.wg.Add(1)
	go p.worker(id)
}

// supervisor respawns workers that exited abnormally.
func (p *Pool) supervisor() {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		case id := <-p.exits:
			if int64(id) >= p.desired.Load() {
				continue // retired by Resize, not a failure
			}
			p.restarts.Add(1)
			metrics.WorkerRestarts.Inc()
			log.Warn("restarting failed worker", "worker", id)
			p.spawn(id)
		}
	}
}

// worker polls its buffers until shutdown. A panic while processing is
// reported to the supervisor, which respawns the worker; the failed
// batch is re-read because its cursor was rolled back.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			log.Error("worker panic", "worker", id, "panic", r)
			select {
			case p.exits <- id:
			case <-p.shutdown:
			}
		}
	}()

	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		if int64(id) >= p.desired.Load() {
			return // retired
		}

		if p.drainOnce(id) == 0 {
			select {
			case <-p.shutdown:
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// drainOnce makes one pass over the buffers, processing at most one
// batch per buffer. Workers start at different offsets so they spread
// over buffers instead of contending on the same one.
func (p *Pool) drainOnce(id int) int {
	total := 0
	for i := range p.states {
		bs := p.states[(i+id)%len(p.states)]
		n, err := p.processBuffer(bs)
		if err != nil {
			p.failures.Add(1)
			log.Warn("batch processing failed", "worker", id, "error", err)
			continue
		}
		total += n
	}
	return total
}

// processBuffer reads, forwards, and commits one batch. The cursor's
// committed position is published only after the sink accepted the
// batch; on an error return or a panic the read position is rolled
// back and the untouched slots are re-read on the next pass.
func (p *Pool) processBuffer(bs *bufferState) (int, error) {
	if !bs.mu.TryLock() {
		return 0, nil // another worker owns this buffer right now
	}
	defer bs.mu.Unlock()

	pos := bs.cursor.Position()
	evs := bs.buf.ReadBatch(bs.cursor, p.cfg.BatchSize)
	if len(evs) == 0 {
		return 0, nil
	}

	committed := false
	defer func() {
		if !committed {
			bs.cursor.Seek(pos)
		}
	}()

	start := time.Now()
	if err := p.sink.ProcessBatch(p.ctx, evs); err != nil {
		return 0, err
	}
	committed = true
	bs.cursor.Commit()

	p.observe(time.Since(start), len(evs))
	return len(evs), nil
}

func (p *Pool) observe(d time.Duration, n int) {
	p.batches.Add(1)
	p.events.Add(int64(n))

	metrics.BatchDuration.Observe(d.Seconds())
	metrics.BatchSize.Observe(float64(n))

	if p.sketch != nil {
		p.sketchMu.Lock()
		_ = p.sketch.Add(d.Seconds())
		p.sketchMu.Unlock()
	}
}

// Stats returns pool statistics including batch latency percentiles.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Workers:  int(p.active.Load()),
		Batches:  p.batches.Load(),
		Events:   p.events.Load(),
		Failures: p.failures.Load(),
		Restarts: p.restarts.Load(),
	}

	if p.sketch != nil {
		p.sketchMu.Lock()
		if qs, err := p.sketch.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99}); err == nil {
			s.BatchLatencyP50 = qs[0]
			s.BatchLatencyP95 = qs[1]
			s.BatchLatencyP99 = qs[2]
		}
		p.sketchMu.Unlock()
	}

	return s
}

// PoolStats holds writer pool statistics. Latencies are in seconds.
type PoolStats struct {
	Workers  int
	Batches  int64
	Events   int64
	Failures int64
	Restarts int64

	BatchLatencyP50 float64
	BatchLatencyP95 float64
	BatchLatencyP99 float64
}
