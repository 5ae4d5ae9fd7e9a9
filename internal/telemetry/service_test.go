package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/ingest"
	"github.com/beamline/beamline/internal/telemetry/types"
	"github.com/beamline/beamline/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Buffer.Capacity = 1024
	cfg.Buffer.OverflowPolicy = config.DropOldest
	cfg.Writer.PoolSize = 2
	cfg.Writer.PollInterval = time.Millisecond
	return cfg
}

func TestServiceLifecycle(t *testing.T) {
	svc, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(); err == nil {
		t.Error("second Start should fail")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	if err := svc.Ingest(ingest.RawEvent{Type: types.EventFunctionEntry, Producer: 1}); err == nil {
		t.Error("Ingest after Stop should fail")
	}
}

func TestServiceInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Buffer.Capacity = 1000 // not a power of two

	if _, err := New(cfg); err == nil {
		t.Error("expected config validation error")
	}
}

func TestServiceIngestToQuery(t *testing.T) {
	svc, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	raws := []ingest.RawEvent{
		{Type: types.EventFunctionEntry, Producer: 1, Module: "orders", Function: "process", CorrelationID: "call-1"},
		{Type: types.EventStateChange, Producer: 1, State: "validating"},
		{Type: types.EventFunctionExit, Producer: 1, Module: "orders", Function: "process", CorrelationID: "call-1"},
	}
	if ok, failed := svc.IngestBatch(raws); ok != 3 || failed != 0 {
		t.Fatalf("IngestBatch = (%d, %d), want (3, 0)", ok, failed)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(svc.QueryByProducer(1, 0)) == 3
	})

	chain := svc.QueryByCorrelation("call-1", 0)
	if len(chain) != 3 {
		t.Fatalf("QueryByCorrelation returned %d events, want 3", len(chain))
	}

	byFunc := svc.QueryByFunction("orders", "process", 0)
	if len(byFunc) != 2 {
		t.Errorf("QueryByFunction returned %d events, want 2", len(byFunc))
	}

	got, err := svc.Get(chain[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ResolvedCorrelationID != "call-1" {
		t.Errorf("ResolvedCorrelationID = %q, want call-1", got.ResolvedCorrelationID)
	}
}

func TestServiceStatistics(t *testing.T) {
	svc, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	for i := 0; i < 10; i++ {
		raw := ingest.RawEvent{Type: types.EventFunctionEntry, Producer: 1, Module: "m", Function: "f"}
		if err := svc.Ingest(raw); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return svc.Statistics().StoredEvents == 10
	})

	st := svc.Statistics()
	if st.TotalEvents != 10 {
		t.Errorf("TotalEvents = %d, want 10", st.TotalEvents)
	}
	if st.DroppedEvents != 0 {
		t.Errorf("DroppedEvents = %d, want 0", st.DroppedEvents)
	}
	if st.Workers != 2 {
		t.Errorf("Workers = %d, want 2", st.Workers)
	}
	if st.CorrelationAccuracy < 0 || st.CorrelationAccuracy > 1 {
		t.Errorf("CorrelationAccuracy = %v, out of range", st.CorrelationAccuracy)
	}
	if st.MemoryEstimateBytes <= 0 {
		t.Error("MemoryEstimateBytes should be positive with live events")
	}
}

// Four producers push 10,000 events through a capacity-1024 drop_oldest
// buffer drained by 2 workers. Loss must be bounded and accounted, no
// worker may crash, and every surviving correlation chain must form a
// consistent forest.
func TestPipelineEndToEnd(t *testing.T) {
	svc, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const producers = 4
	const perProducer = 2500

	gt := testutil.NewGoroutineTest(t)
	for p := 1; p <= producers; p++ {
		producer := types.ProducerID(p)
		gt.Go(func() error {
			depth := 0
			for i := 0; i < perProducer; i++ {
				var raw ingest.RawEvent
				switch {
				case i%10 == 6 && depth > 0:
					// Occasional message to the next producer.
					raw = ingest.RawEvent{
						Type:       types.EventMessageSend,
						Producer:   producer,
						Peer:       producer%producers + 1,
						MessageTag: "work",
					}
				case i%10 == 7:
					raw = ingest.RawEvent{
						Type:       types.EventMessageReceive,
						Producer:   producer,
						Peer:       (producer+producers-2)%producers + 1,
						MessageTag: "work",
					}
				case depth == 0 || (i%2 == 0 && depth < 5):
					raw = ingest.RawEvent{
						Type:          types.EventFunctionEntry,
						Producer:      producer,
						Module:        "load",
						Function:      fmt.Sprintf("step_%d", depth),
						CorrelationID: fmt.Sprintf("p%d-call-%d", producer, i),
					}
					depth++
				default:
					raw = ingest.RawEvent{Type: types.EventFunctionExit, Producer: producer}
					depth--
				}
				if err := svc.Ingest(raw); err != nil {
					return fmt.Errorf("producer %d event %d: %w", producer, i, err)
				}
			}
			return nil
		})
	}
	gt.Wait()

	// Everything not dropped must reach the store.
	testutil.Eventually(t, 10*time.Second, func() bool {
		st := svc.Statistics()
		return st.StoredEvents+st.DroppedEvents >= producers*perProducer
	})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := svc.Statistics()
	total := int64(producers * perProducer)
	if st.TotalEvents != total {
		t.Fatalf("TotalEvents = %d, want %d", st.TotalEvents, total)
	}
	if st.StoredEvents > total {
		t.Errorf("StoredEvents = %d exceeds ingested total %d", st.StoredEvents, total)
	}
	if st.StoredEvents+st.DroppedEvents < total {
		t.Errorf("loss not accounted: stored %d + dropped %d < total %d",
			st.StoredEvents, st.DroppedEvents, total)
	}
	if st.WorkerRestarts != 0 {
		t.Errorf("WorkerRestarts = %d, want 0", st.WorkerRestarts)
	}

	// Per-producer order survives the pipeline: ids are assigned in
	// ingest order and must come back monotonically increasing.
	for p := types.ProducerID(1); p <= producers; p++ {
		events := svc.QueryByProducer(p, 0)
		for i := 1; i < len(events); i++ {
			if events[i].ID <= events[i-1].ID {
				t.Fatalf("producer %d order violated at %d: %d after %d",
					p, i, events[i].ID, events[i-1].ID)
			}
		}
	}

	// Surviving correlation chains form a forest: following parent
	// links never cycles and never dangles onto a chain that has links
	// but lost its metadata.
	links := make(map[string]string)
	for p := types.ProducerID(1); p <= producers; p++ {
		for _, ce := range svc.QueryByProducer(p, 0) {
			if ce.ResolvedCorrelationID == "" {
				continue
			}
			for _, l := range ce.Links {
				if l.Type == types.LinkParentOf {
					links[ce.ResolvedCorrelationID] = l.Target
				}
			}
		}
	}
	for id := range links {
		seen := map[string]bool{}
		for cur := id; cur != ""; cur = links[cur] {
			if seen[cur] {
				t.Fatalf("cycle in correlation forest at %q", cur)
			}
			seen[cur] = true
		}
	}
}
