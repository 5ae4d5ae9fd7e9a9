// Package store is the indexed in-memory event store: a sharded
// primary table keyed by event id plus secondary indices for the query
// dimensions that matter during an investigation (time window,
// producer, code location, causal chain).
//
// Write ordering is primary first, then indices, so an id found through
// an index may briefly have no primary row during pruning; queries skip
// such ids instead of failing. Pruning removes index entries before the
// primary row, so the store never serves a dangling id.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/logging"
	"github.com/beamline/beamline/internal/metrics"
	"github.com/beamline/beamline/internal/telemetry/types"
)

var log = logging.Component("store")

// primaryShards is the number of locks the primary table is split over.
const primaryShards = 16

// eventBaseFootprint approximates the fixed per-event heap cost of a
// stored CorrelatedEvent plus its index entries, in bytes. Variable
// string content is added on top.
const eventBaseFootprint = 256

// FunctionKey identifies a code location for the function index.
type FunctionKey struct {
	Module   string
	Function string
}

// primaryShard is one lock-striped slice of the primary table.
type primaryShard struct {
	mu sync.RWMutex
	m  map[types.EventID]types.CorrelatedEvent
}

// DataAccess is the indexed event store. Safe for concurrent use by the
// writer pool, the query surface, and the prune loop.
type DataAccess struct {
	primary [primaryShards]*primaryShard

	byTime        *timeIndex
	byProducer    *multiIndex[types.ProducerID]
	byFunction    *multiIndex[FunctionKey]
	byCorrelation *multiIndex[string]

	// Statistics
	stored atomic.Int64
	pruned atomic.Int64
	bytes  atomic.Int64
}

// New creates an empty DataAccess.
func New() *DataAccess {
	d := &DataAccess{
		byTime:        &timeIndex{},
		byProducer:    newMultiIndex[types.ProducerID](),
		byFunction:    newMultiIndex[FunctionKey](),
		byCorrelation: newMultiIndex[string](),
	}
	for i := range d.primary {
		d.primary[i] = &primaryShard{m: make(map[types.EventID]types.CorrelatedEvent)}
	}
	return d
}

func (d *DataAccess) shardFor(id types.EventID) *primaryShard {
	return d.primary[uint64(id)%primaryShards]
}

// StoreBatch inserts a batch of correlated events. An id that is
// already present is left untouched, including its index entries, so
// redelivered batches from the at-least-once writer path are harmless.
func (d *DataAccess) StoreBatch(events []types.CorrelatedEvent) error {
	for i := range events {
		d.store(&events[i])
	}
	return nil
}

func (d *DataAccess) store(ce *types.CorrelatedEvent) {
	shard := d.shardFor(ce.ID)

	shard.mu.Lock()
	if _, exists := shard.m[ce.ID]; exists {
		shard.mu.Unlock()
		return
	}
	shard.m[ce.ID] = *ce
	shard.mu.Unlock()

	d.byTime.insert(ce.MonotonicTS, ce.ID)
	d.byProducer.insert(ce.Producer, ce.ID)
	if ce.Payload.Function != "" {
		d.byFunction.insert(FunctionKey{Module: ce.Payload.Module, Function: ce.Payload.Function}, ce.ID)
	}
	if ce.ResolvedCorrelationID != "" {
		d.byCorrelation.insert(ce.ResolvedCorrelationID, ce.ID)
	}

	d.stored.Add(1)
	d.bytes.Add(footprint(ce))
	metrics.EventsStored.Inc()
}

// Get returns the event with the given id.
func (d *DataAccess) Get(id types.EventID) (types.CorrelatedEvent, error) {
	shard := d.shardFor(id)

	shard.mu.RLock()
	ce, ok := shard.m[id]
	shard.mu.RUnlock()

	if !ok {
		return types.CorrelatedEvent{}, errors.ErrEventNotFound
	}
	return ce, nil
}

// QueryTimeRange returns events with from <= MonotonicTS < to in
// timestamp order, up to limit when limit > 0.
func (d *DataAccess) QueryTimeRange(from, to int64, limit int) []types.CorrelatedEvent {
	return d.resolve(d.byTime.rangeIDs(from, to, limit))
}

// QueryByProducer returns events captured from one producer, oldest
// first, up to limit when limit > 0.
func (d *DataAccess) QueryByProducer(producer types.ProducerID, limit int) []types.CorrelatedEvent {
	return d.resolve(d.byProducer.ids(producer, limit))
}

// QueryByFunction returns events attributed to one code location.
func (d *DataAccess) QueryByFunction(module, function string, limit int) []types.CorrelatedEvent {
	return d.resolve(d.byFunction.ids(FunctionKey{Module: module, Function: function}, limit))
}

// QueryByCorrelation returns the events sharing a resolved correlation
// id, oldest first.
func (d *DataAccess) QueryByCorrelation(correlationID string, limit int) []types.CorrelatedEvent {
	return d.resolve(d.byCorrelation.ids(correlationID, limit))
}

// resolve loads event bodies for a candidate id list. Ids whose primary
// row was pruned between the index read and here are skipped.
func (d *DataAccess) resolve(ids []types.EventID) []types.CorrelatedEvent {
	if len(ids) == 0 {
		return nil
	}

	out := make([]types.CorrelatedEvent, 0, len(ids))
	for _, id := range ids {
		shard := d.shardFor(id)
		shard.mu.RLock()
		ce, ok := shard.m[id]
		shard.mu.RUnlock()
		if ok {
			out = append(out, ce)
		}
	}
	return out
}

// PruneBefore removes every event with MonotonicTS older than cutoff
// and returns how many were removed. Index entries go first, the
// primary row last, so concurrent queries see at worst a missing
// candidate, never a dangling id.
func (d *DataAccess) PruneBefore(cutoff int64) int {
	victims := d.byTime.removeBefore(cutoff)
	if len(victims) == 0 {
		return 0
	}

	removed := 0
	for _, id := range victims {
		shard := d.shardFor(id)

		shard.mu.RLock()
		ce, ok := shard.m[id]
		shard.mu.RUnlock()
		if !ok {
			continue
		}

		d.byProducer.remove(ce.Producer, id)
		if ce.Payload.Function != "" {
			d.byFunction.remove(FunctionKey{Module: ce.Payload.Module, Function: ce.Payload.Function}, id)
		}
		if ce.ResolvedCorrelationID != "" {
			d.byCorrelation.remove(ce.ResolvedCorrelationID, id)
		}

		shard.mu.Lock()
		delete(shard.m, id)
		shard.mu.Unlock()

		d.bytes.Add(-footprint(&ce))
		removed++
	}

	d.pruned.Add(int64(removed))
	metrics.EventsPruned.Add(float64(removed))
	log.Debug("pruned events", "removed", removed, "cutoff", cutoff)
	return removed
}

// Len returns the number of live events.
func (d *DataAccess) Len() int {
	total := 0
	for _, shard := range d.primary {
		shard.mu.RLock()
		total += len(shard.m)
		shard.mu.RUnlock()
	}
	return total
}

// footprint estimates the heap bytes one stored event costs.
func footprint(ce *types.CorrelatedEvent) int64 {
	n := eventBaseFootprint +
		len(ce.ResolvedCorrelationID) +
		len(ce.CorrelationID) +
		len(ce.Payload.Module) +
		len(ce.Payload.Function) +
		len(ce.Payload.Args.Value) +
		len(ce.Payload.State.Value) +
		len(ce.Payload.Message.Value) +
		len(ce.Payload.MessageTag)
	for _, l := range ce.Links {
		n += len(l.Target) + 16
	}
	return int64(n)
}

// Stats returns store statistics.
func (d *DataAccess) Stats() Stats {
	return Stats{
		Stored:               d.stored.Load(),
		Pruned:               d.pruned.Load(),
		Live:                 d.Len(),
		TimeIndexSize:        d.byTime.size(),
		ProducerIndexSize:    d.byProducer.size(),
		FunctionIndexSize:    d.byFunction.size(),
		CorrelationIndexSize: d.byCorrelation.size(),
		MemoryEstimateBytes:  d.bytes.Load(),
	}
}

// Stats holds store statistics.
type Stats struct {
	Stored               int64
	Pruned               int64
	Live                 int
	TimeIndexSize        int
	ProducerIndexSize    int
	FunctionIndexSize    int
	CorrelationIndexSize int
	MemoryEstimateBytes  int64
}
