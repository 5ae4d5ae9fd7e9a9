package types

import "time"

// EventType indicates the kind of runtime event captured from an
// instrumented process.
type EventType int

const (
	// EventFunctionEntry marks entry into an instrumented function.
	EventFunctionEntry EventType = iota
	// EventFunctionExit marks return from an instrumented function.
	EventFunctionExit
	// EventMessageSend marks a message sent to another producer.
	EventMessageSend
	// EventMessageReceive marks a message received from another producer.
	EventMessageReceive
	// EventStateChange marks a captured state transition.
	EventStateChange
	// EventError marks an error raised inside instrumented code.
	EventError
)

// String returns a human-readable representation of the EventType.
func (t EventType) String() string {
	switch t {
	case EventFunctionEntry:
		return "function_entry"
	case EventFunctionExit:
		return "function_exit"
	case EventMessageSend:
		return "message_send"
	case EventMessageReceive:
		return "message_receive"
	case EventStateChange:
		return "state_change"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the defined event kinds.
func (t EventType) Valid() bool {
	return t >= EventFunctionEntry && t <= EventError
}

// ProducerID identifies the logical process or thread that emitted an event.
type ProducerID uint32

// EventID uniquely identifies an event without global coordination.
// The high 32 bits carry the full producer id, the low 32 bits a
// per-producer sequence number, so concurrent producers never collide.
// Sequence numbers wrap after 2^32-1 events from a single producer.
type EventID uint64

// NewEventID combines a producer id and per-producer sequence into an ID.
func NewEventID(producer ProducerID, seq uint64) EventID {
	return EventID(uint64(producer)<<32 | seq&0xFFFFFFFF)
}

// Producer returns the producer id embedded in the ID.
func (id EventID) Producer() ProducerID {
	return ProducerID(uint64(id) >> 32)
}

// Seq returns the per-producer sequence number embedded in the ID.
func (id EventID) Seq() uint64 {
	return uint64(id) & 0xFFFFFFFF
}

// Truncation records that an oversized payload field was dropped.
// Downstream consumers see the original size and a hint instead of
// guessing at silent data loss.
type Truncation struct {
	OriginalSize int
	TypeHint     string
}

// Field is a payload string field that may have been truncated at ingest.
type Field struct {
	Value     string
	Truncated *Truncation
}

// IsTruncated returns true if the field's original value was dropped.
func (f Field) IsTruncated() bool {
	return f.Truncated != nil
}

// Payload carries the event-kind-specific data. The field set is fixed
// and explicit; which fields are meaningful depends on the event type.
type Payload struct {
	// Code location
	Module   string
	Function string
	Arity    int
	Line     int32

	// Function entry arguments or error detail (entry/error events)
	Args Field

	// Captured state (state_change events)
	State Field

	// Message body and logical tag (send/receive events)
	Message    Field
	MessageTag string

	// Peer is the counterpart producer for message events: the intended
	// receiver on a send, the originating sender on a receive.
	Peer ProducerID
}

// Event is an immutable record of one runtime occurrence. Events are
// created once by the ingestor and never mutated afterwards; correlation
// results live on CorrelatedEvent, not here.
type Event struct {
	ID       EventID
	Type     EventType
	Producer ProducerID

	// MonotonicTS is nanoseconds on the process-local monotonic clock.
	// Comparable within one capture session, not across machines.
	MonotonicTS int64

	// WallTS is unix nanoseconds at capture time.
	WallTS int64

	// CorrelationID is the caller-supplied correlation token, if any.
	// Empty means the correlator assigns one.
	CorrelationID string

	Payload Payload
}

// WallTime returns the wall-clock timestamp as a time.Time.
func (e *Event) WallTime() time.Time {
	return time.Unix(0, e.WallTS)
}

// LinkType classifies a causal edge between correlation ids.
type LinkType int

const (
	// LinkParentOf marks a nested call: the source id was opened while
	// the target id was the active call on the same producer.
	LinkParentOf LinkType = iota
	// LinkCausedBy marks a cross-producer edge: the source id exists
	// because of a message carrying the target id.
	LinkCausedBy
)

// String returns a human-readable representation of the LinkType.
func (t LinkType) String() string {
	switch t {
	case LinkParentOf:
		return "parent_of"
	case LinkCausedBy:
		return "caused_by"
	default:
		return "unknown"
	}
}

// CorrelationLink is a directed causal edge from the id it is attached
// to towards Target.
type CorrelationLink struct {
	Type   LinkType
	Target string
}

// Anomaly classifies a non-fatal correlation irregularity. Zero value
// means the event correlated cleanly.
type Anomaly int

const (
	AnomalyNone Anomaly = iota
	// AnomalyStackUnderflow is a function_exit with no open call.
	AnomalyStackUnderflow
	// AnomalyExitMismatch is a function_exit whose declared correlation
	// id does not match the open call.
	AnomalyExitMismatch
	// AnomalyUnmatchedReceive is a message_receive with no pending send.
	AnomalyUnmatchedReceive
)

// String returns a human-readable representation of the Anomaly.
func (a Anomaly) String() string {
	switch a {
	case AnomalyNone:
		return "none"
	case AnomalyStackUnderflow:
		return "stack_underflow"
	case AnomalyExitMismatch:
		return "exit_mismatch"
	case AnomalyUnmatchedReceive:
		return "unmatched_receive"
	default:
		return "unknown"
	}
}

// CorrelatedEvent is an Event enriched with its resolved correlation id,
// causal links, and any anomaly observed while correlating.
type CorrelatedEvent struct {
	Event

	// ResolvedCorrelationID is the id the correlator settled on: the
	// caller-supplied id when present, a generated one otherwise, or
	// empty when the event passed through uncorrelated.
	ResolvedCorrelationID string

	Links   []CorrelationLink
	Anomaly Anomaly
}
