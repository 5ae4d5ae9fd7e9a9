// Package ingest turns raw call-site data into structured events and
// writes them into a ring buffer.
//
// The ingest path is the hot path of the whole pipeline: it runs inline
// in instrumented code, so it never blocks on anything except the
// buffer write itself, never logs, and surfaces nothing beyond a
// capacity error. Retry policy is the caller's choice.
package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/telemetry/buffer"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
	"github.com/beamline/beamline/internal/validation"
)

// RawEvent is the input contract with the instrumentation layer.
type RawEvent struct {
	Type     types.EventType
	Producer types.ProducerID

	Module   string
	Function string
	Arity    int
	Line     int32

	Args    string
	State   string
	Message string

	// MessageTag is the logical tag used to match sends to receives.
	MessageTag string

	// Peer is the counterpart producer for message events: intended
	// receiver on a send, originating sender on a receive.
	Peer types.ProducerID

	// CorrelationID, when supplied (e.g. propagated from an AST-aware
	// layer), is honored as-is instead of generated downstream.
	CorrelationID string
}

// Ingestor assigns ids and timestamps, truncates oversized payloads,
// and writes events into a ring buffer.
type Ingestor struct {
	buf       *buffer.RingBuffer
	threshold int

	// Per-producer sequence counters. Combined with the producer tag
	// they give unique ids without a global lock.
	seqs sync.Map // types.ProducerID -> *atomic.Uint64

	// Statistics
	accepted  atomic.Int64
	rejected  atomic.Int64
	truncated atomic.Int64
}

// New creates an Ingestor writing into buf.
func New(buf *buffer.RingBuffer, cfg config.IngestConfig) *Ingestor {
	return &Ingestor{
		buf:       buf,
		threshold: cfg.TruncationThresholdBytes,
	}
}

// Ingest validates and transforms one raw event and writes it to the
// buffer. Returns a capacity error if the buffer rejected the write; it
// never retries internally.
func (in *Ingestor) Ingest(raw RawEvent) error {
	if err := validate(raw); err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("ingest: %w: %w", errors.ErrInvalidEvent, err)
	}
	ev := in.build(raw)

	if err := in.buf.Write(ev); err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("ingest: %w", err)
	}

	in.accepted.Add(1)
	return nil
}

// IngestBatch ingests a slice of raw events, returning how many were
// accepted and how many failed.
func (in *Ingestor) IngestBatch(raws []RawEvent) (ok, failed int) {
	for i := range raws {
		if err := in.Ingest(raws[i]); err != nil {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}

// validate rejects raw events that downstream stages cannot correlate
// or index. Kept cheap: the checks run inline in instrumented code.
func validate(raw RawEvent) error {
	if !raw.Type.Valid() {
		return fmt.Errorf("unknown event type %d", int(raw.Type))
	}
	if raw.Producer == 0 {
		return fmt.Errorf("producer id must be nonzero")
	}
	if err := validation.ValidateIdent(raw.Module, validation.ModuleRules()); err != nil {
		return fmt.Errorf("module: %w", err)
	}
	if err := validation.ValidateIdent(raw.Function, validation.FunctionRules()); err != nil {
		return fmt.Errorf("function: %w", err)
	}
	if err := validation.ValidateCorrelationID(raw.CorrelationID); err != nil {
		return err
	}
	if raw.Type == types.EventMessageSend || raw.Type == types.EventMessageReceive {
		if err := validation.ValidateMessageTag(raw.MessageTag); err != nil {
			return err
		}
	}
	return nil
}

// build assigns id and timestamps and applies payload truncation.
func (in *Ingestor) build(raw RawEvent) types.Event {
	return types.Event{
		ID:            types.NewEventID(raw.Producer, in.nextSeq(raw.Producer)),
		Type:          raw.Type,
		Producer:      raw.Producer,
		MonotonicTS:   types.MonotonicNow(),
		WallTS:        time.Now().UnixNano(),
		CorrelationID: raw.CorrelationID,
		Payload: types.Payload{
			Module:     raw.Module,
			Function:   raw.Function,
			Arity:      raw.Arity,
			Line:       raw.Line,
			Args:       in.bound(raw.Args, "args"),
			State:      in.bound(raw.State, "state"),
			Message:    in.bound(raw.Message, "message"),
			MessageTag: raw.MessageTag,
			Peer:       raw.Peer,
		},
	}
}

// bound enforces the payload size limit. Oversized values are replaced
// with a marker carrying the original size and a type hint, so
// downstream consumers know data loss occurred without guessing.
func (in *Ingestor) bound(value, hint string) types.Field {
	if len(value) <= in.threshold {
		return types.Field{Value: value}
	}

	in.truncated.Add(1)
	return types.Field{
		Truncated: &types.Truncation{
			OriginalSize: len(value),
			TypeHint:     hint,
		},
	}
}

// nextSeq returns the next per-producer sequence number.
func (in *Ingestor) nextSeq(p types.ProducerID) uint64 {
	if ctr, ok := in.seqs.Load(p); ok {
		return ctr.(*atomic.Uint64).Add(1)
	}

	ctr, _ := in.seqs.LoadOrStore(p, &atomic.Uint64{})
	return ctr.(*atomic.Uint64).Add(1)
}

// Stats returns ingestion statistics.
func (in *Ingestor) Stats() Stats {
	return Stats{
		Accepted:  in.accepted.Load(),
		Rejected:  in.rejected.Load(),
		Truncated: in.truncated.Load(),
	}
}

// Stats holds ingestion statistics.
type Stats struct {
	Accepted  int64
	Rejected  int64
	Truncated int64
}

// IsCapacityError reports whether an Ingest error was a buffer-full
// condition, as opposed to a programming error.
func IsCapacityError(err error) bool {
	return errors.IsCapacity(err)
}
