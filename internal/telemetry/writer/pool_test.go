package writer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/beamline/beamline/internal/telemetry/buffer"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
	"github.com/beamline/beamline/internal/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	events []types.Event

	// failures counts down: while positive, ProcessBatch fails.
	failures int
	// panics counts down: while positive, ProcessBatch panics.
	panics int
}

func (s *captureSink) ProcessBatch(_ context.Context, events []types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.panics > 0 {
		s.panics--
		panic("sink exploded")
	}
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("transient sink failure")
	}

	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) snapshot() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testWriterConfig() config.WriterConfig {
	return config.WriterConfig{
		PoolSize:       2,
		BatchSize:      64,
		PollInterval:   time.Millisecond,
		DrainTimeout:   time.Second,
		SketchAccuracy: 0.01,
	}
}

func fillBuffer(t *testing.T, b *buffer.RingBuffer, producer types.ProducerID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := types.Event{
			ID:          types.NewEventID(producer, uint64(i+1)),
			Type:        types.EventFunctionEntry,
			Producer:    producer,
			MonotonicTS: types.MonotonicNow(),
		}
		if err := b.Write(ev); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
}

func TestPool_DrainsBuffer(t *testing.T) {
	b, _ := buffer.New(1024, config.DropOldest, 0)
	sink := &captureSink{}
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	fillBuffer(t, b, 1, 500)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 500
	})

	// No event processed twice, per-producer order preserved.
	got := sink.snapshot()
	var last uint64
	for i, ev := range got {
		if ev.ID.Seq() != last+1 {
			t.Fatalf("event %d: expected seq %d, got %d", i, last+1, ev.ID.Seq())
		}
		last = ev.ID.Seq()
	}

	stats := p.Stats()
	if stats.Events != 500 {
		t.Errorf("expected 500 events in stats, got %d", stats.Events)
	}
	if stats.Restarts != 0 {
		t.Errorf("expected no restarts, got %d", stats.Restarts)
	}
}

func TestPool_MultipleBuffers(t *testing.T) {
	b1, _ := buffer.New(256, config.DropOldest, 0)
	b2, _ := buffer.New(256, config.DropOldest, 0)
	sink := &captureSink{}
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b1, b2}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	fillBuffer(t, b1, 1, 100)
	fillBuffer(t, b2, 2, 100)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 200
	})

	seen := make(map[types.EventID]bool)
	for _, ev := range sink.snapshot() {
		if seen[ev.ID] {
			t.Fatalf("event %v processed twice", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestPool_RetriesFailedBatch(t *testing.T) {
	b, _ := buffer.New(256, config.DropOldest, 0)
	sink := &captureSink{failures: 3}
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	fillBuffer(t, b, 1, 50)

	// The cursor rolls back on failure, so all 50 events arrive once
	// the sink recovers.
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 50
	})

	if f := p.Stats().Failures; f < 3 {
		t.Errorf("expected at least 3 recorded failures, got %d", f)
	}
}

// A transiently failing sink over a small drop_newest buffer must not
// lose its in-flight batch to concurrent writers: the batch's slots
// stay unreclaimable until the sink accepts it, so every accepted
// write reaches the sink and every rejected one is counted.
func TestPool_FailedBatchNotOverwritten(t *testing.T) {
	b, _ := buffer.New(8, config.DropNewest, 0)
	sink := &captureSink{failures: 5}
	cfg := testWriterConfig()
	cfg.PoolSize = 1
	cfg.BatchSize = 8
	p := NewPool(cfg, []*buffer.RingBuffer{b}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	const total = 400
	accepted := 0
	for i := 0; i < total; i++ {
		ev := types.Event{
			ID:          types.NewEventID(1, uint64(i+1)),
			Type:        types.EventFunctionEntry,
			Producer:    1,
			MonotonicTS: types.MonotonicNow(),
		}
		if err := b.Write(ev); err == nil {
			accepted++
		}
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		return len(sink.snapshot()) == accepted
	})

	seen := make(map[types.EventID]bool)
	for _, ev := range sink.snapshot() {
		if seen[ev.ID] {
			t.Fatalf("event %v delivered twice to the sink", ev.ID)
		}
		seen[ev.ID] = true
	}

	if d := b.Stats().Dropped; d != int64(total-accepted) {
		t.Errorf("expected dropped=%d for rejected writes, got %d", total-accepted, d)
	}
}

func TestPool_RestartsPanickedWorker(t *testing.T) {
	b, _ := buffer.New(256, config.DropOldest, 0)
	sink := &captureSink{panics: 2}
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	fillBuffer(t, b, 1, 50)

	testutil.Eventually(t, 3*time.Second, func() bool {
		return len(sink.snapshot()) == 50
	})

	stats := p.Stats()
	if stats.Restarts < 1 {
		t.Errorf("expected at least one worker restart, got %d", stats.Restarts)
	}

	// At-least-once: nothing lost, nothing duplicated, because the
	// cursor rolled back before the panic unwound the worker.
	seen := make(map[types.EventID]bool)
	for _, ev := range sink.snapshot() {
		if seen[ev.ID] {
			t.Fatalf("event %v delivered twice to the sink", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestPool_Resize(t *testing.T) {
	b, _ := buffer.New(1024, config.DropOldest, 0)
	sink := &captureSink{}
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b}, sink)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Resize(4)

	fillBuffer(t, b, 1, 200)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 200
	})

	p.Resize(1)
	fillBuffer(t, b, 2, 200)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 400
	})
}

func TestPool_StopIsIdempotent(t *testing.T) {
	b, _ := buffer.New(64, config.DropOldest, 0)
	p := NewPool(testWriterConfig(), []*buffer.RingBuffer{b}, &captureSink{})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("second Start should fail")
	}

	p.Stop()
	p.Stop() // must not panic or block
}
