package ingest

import (
	"strings"
	"sync"
	"testing"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/telemetry/buffer"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
)

func newTestIngestor(t *testing.T, capacity int, policy config.OverflowPolicy) (*Ingestor, *buffer.RingBuffer) {
	t.Helper()

	buf, err := buffer.New(capacity, policy, 0)
	if err != nil {
		t.Fatalf("buffer.New: %v", err)
	}
	return New(buf, config.IngestConfig{TruncationThresholdBytes: 64}), buf
}

func TestIngestor_AssignsIDsAndTimestamps(t *testing.T) {
	in, buf := newTestIngestor(t, 64, config.DropOldest)
	c := buf.NewCursor()

	raw := RawEvent{
		Type:     types.EventFunctionEntry,
		Producer: 7,
		Module:   "MyApp.Worker",
		Function: "handle_call",
		Arity:    3,
		Args:     "[:get_state]",
	}

	if err := in.Ingest(raw); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := in.Ingest(raw); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := buf.ReadBatch(c, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}

	if got[0].ID.Producer() != 7 {
		t.Errorf("expected producer tag 7 in id, got %d", got[0].ID.Producer())
	}
	if got[0].ID == got[1].ID {
		t.Error("ids must be unique")
	}
	if got[1].ID.Seq() != got[0].ID.Seq()+1 {
		t.Errorf("expected consecutive sequence numbers, got %d then %d",
			got[0].ID.Seq(), got[1].ID.Seq())
	}
	if got[0].MonotonicTS == 0 || got[0].WallTS == 0 {
		t.Error("expected timestamps to be assigned")
	}
	if got[1].MonotonicTS < got[0].MonotonicTS {
		t.Error("monotonic timestamps went backwards")
	}
	if got[0].Payload.Module != "MyApp.Worker" || got[0].Payload.Function != "handle_call" {
		t.Errorf("payload not carried through: %+v", got[0].Payload)
	}
}

func TestIngestor_HonorsSuppliedCorrelationID(t *testing.T) {
	in, buf := newTestIngestor(t, 64, config.DropOldest)
	c := buf.NewCursor()

	in.Ingest(RawEvent{
		Type:          types.EventFunctionEntry,
		Producer:      1,
		CorrelationID: "caller-supplied",
	})

	got := buf.ReadBatch(c, 1)
	if len(got) != 1 {
		t.Fatal("expected one event")
	}
	if got[0].CorrelationID != "caller-supplied" {
		t.Errorf("expected caller-supplied correlation id, got %q", got[0].CorrelationID)
	}
}

func TestIngestor_TruncatesOversizedPayload(t *testing.T) {
	in, buf := newTestIngestor(t, 64, config.DropOldest)
	c := buf.NewCursor()

	big := strings.Repeat("x", 1000)
	in.Ingest(RawEvent{
		Type:     types.EventStateChange,
		Producer: 1,
		State:    big,
		Args:     "small",
	})

	got := buf.ReadBatch(c, 1)
	if len(got) != 1 {
		t.Fatal("expected one event")
	}

	state := got[0].Payload.State
	if !state.IsTruncated() {
		t.Fatal("expected state field to be truncated")
	}
	if state.Value != "" {
		t.Error("truncated field should not retain the original value")
	}
	if state.Truncated.OriginalSize != 1000 {
		t.Errorf("expected original size 1000, got %d", state.Truncated.OriginalSize)
	}
	if state.Truncated.TypeHint != "state" {
		t.Errorf("expected type hint state, got %q", state.Truncated.TypeHint)
	}

	if got[0].Payload.Args.IsTruncated() {
		t.Error("small field should not be truncated")
	}

	if in.Stats().Truncated != 1 {
		t.Errorf("expected truncated=1, got %d", in.Stats().Truncated)
	}
}

func TestIngestor_BufferFull(t *testing.T) {
	in, _ := newTestIngestor(t, 4, config.DropNewest)

	raw := RawEvent{Type: types.EventFunctionEntry, Producer: 1}
	for i := 0; i < 4; i++ {
		if err := in.Ingest(raw); err != nil {
			t.Fatalf("write %d should succeed: %v", i, err)
		}
	}

	err := in.Ingest(raw)
	if err == nil {
		t.Fatal("expected buffer-full error")
	}
	if !IsCapacityError(err) {
		t.Errorf("expected capacity error, got %v", err)
	}

	stats := in.Stats()
	if stats.Accepted != 4 || stats.Rejected != 1 {
		t.Errorf("expected accepted=4 rejected=1, got %+v", stats)
	}
}

func TestIngestor_IngestBatch(t *testing.T) {
	in, _ := newTestIngestor(t, 4, config.DropNewest)

	raws := make([]RawEvent, 10)
	for i := range raws {
		raws[i] = RawEvent{Type: types.EventFunctionEntry, Producer: 1}
	}

	ok, failed := in.IngestBatch(raws)
	if ok != 4 || failed != 6 {
		t.Errorf("expected ok=4 failed=6, got ok=%d failed=%d", ok, failed)
	}
}

func TestIngestor_ConcurrentProducersUniqueIDs(t *testing.T) {
	in, buf := newTestIngestor(t, 16384, config.DropOldest)
	c := buf.NewCursor()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(producer types.ProducerID) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				in.Ingest(RawEvent{Type: types.EventFunctionEntry, Producer: producer})
			}
		}(types.ProducerID(p))
	}
	wg.Wait()

	seen := make(map[types.EventID]bool)
	for {
		batch := buf.ReadBatch(c, 512)
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			if seen[ev.ID] {
				t.Fatalf("duplicate id %v", ev.ID)
			}
			seen[ev.ID] = true
		}
	}

	if len(seen) != producers*perProducer {
		t.Errorf("expected %d unique ids, got %d", producers*perProducer, len(seen))
	}
}

func TestIngestor_RejectsInvalidEvents(t *testing.T) {
	in, buf := newTestIngestor(t, 64, config.DropOldest)

	tests := []struct {
		name string
		raw  RawEvent
	}{
		{"unknown type", RawEvent{Type: types.EventType(99), Producer: 1}},
		{"zero producer", RawEvent{Type: types.EventFunctionEntry}},
		{"bad module name", RawEvent{Type: types.EventFunctionEntry, Producer: 1, Module: "a b"}},
		{"send without tag", RawEvent{Type: types.EventMessageSend, Producer: 1, Peer: 2}},
		{"oversized correlation id", RawEvent{
			Type: types.EventFunctionEntry, Producer: 1,
			CorrelationID: strings.Repeat("x", 200),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := in.Ingest(tt.raw)
			if !errors.Is(err, errors.ErrInvalidEvent) {
				t.Errorf("Ingest error = %v, want ErrInvalidEvent", err)
			}
			if IsCapacityError(err) {
				t.Error("validation failure must not look like a capacity error")
			}
		})
	}

	if got := buf.Len(); got != 0 {
		t.Errorf("buffer should stay empty, has %d events", got)
	}
	if got := in.Stats().Rejected; got != int64(len(tests)) {
		t.Errorf("Rejected = %d, want %d", got, len(tests))
	}
}
