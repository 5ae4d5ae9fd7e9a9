// Package correlate reconstructs causal relationships from the
// unordered, concurrent event stream.
//
// Ownership model: producers hash onto shards, and each shard is a
// single goroutine that exclusively owns the call contexts of its
// producers. Cross-producer message state lives in a shared registry
// behind one mutex. Per-producer event order is preserved because a
// batch's events for one producer are handed to one shard in order.
//
// Correlation is idempotent: reprocessing an event id inside the dedup
// window returns the cached result without duplicating links, which
// makes at-least-once delivery from the writer pool safe.
package correlate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/logging"
	"github.com/beamline/beamline/internal/metrics"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
)

var log = logging.Component("correlator")

// Store consumes correlated events. Implemented by the indexed store.
type Store interface {
	StoreBatch(events []types.CorrelatedEvent) error
}

// job is one shard's share of a batch. The shard appends results to
// out; the caller waits on wg.
type job struct {
	events []types.Event
	out    *[]types.CorrelatedEvent
	wg     *sync.WaitGroup
}

// shard owns the call contexts and dedup window for its producers.
type shard struct {
	contexts map[types.ProducerID]*callContext
	dedup    *dedupWindow
	jobs     chan job
	sweep    chan int64
}

// Correlator links call and message events and forwards the enriched
// stream to the store.
type Correlator struct {
	cfg    config.CorrelationConfig
	store  Store
	reg    *registry
	shards []*shard

	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	// Statistics
	processed   atomic.Int64
	duplicates  atomic.Int64
	anomalies   atomic.Int64
	pairsOpened atomic.Int64
	pairsLinked atomic.Int64
	swept       atomic.Int64
}

// New creates a Correlator forwarding to store.
func New(cfg config.CorrelationConfig, store Store) *Correlator {
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{
			contexts: make(map[types.ProducerID]*callContext),
			dedup:    newDedupWindow(cfg.DedupWindow),
			jobs:     make(chan job),
			sweep:    make(chan int64),
		}
	}

	return &Correlator{
		cfg:      cfg,
		store:    store,
		reg:      newRegistry(),
		shards:   shards,
		shutdown: make(chan struct{}),
	}
}

// Start spawns the shard goroutines and the TTL sweeper.
func (c *Correlator) Start() error {
	if c.running.Load() {
		return errors.ErrAlreadyRunning
	}
	c.running.Store(true)

	for _, s := range c.shards {
		c.wg.Add(1)
		go c.runShard(s)
	}

	c.wg.Add(1)
	go c.sweeper()

	log.Info("correlator started", "shards", len(c.shards), "ttl", c.cfg.TTL)
	return nil
}

// Stop terminates the shard goroutines. In-flight ProcessBatch calls
// complete first.
func (c *Correlator) Stop() {
	if !c.running.Load() {
		return
	}
	c.running.Store(false)
	close(c.shutdown)
	c.wg.Wait()
	log.Info("correlator stopped")
}

// ProcessBatch correlates a batch and forwards it to the store. It
// implements writer.Sink. Events are partitioned by producer shard;
// each shard processes its share in order, preserving per-producer
// ordering end to end.
func (c *Correlator) ProcessBatch(ctx context.Context, events []types.Event) error {
	if !c.running.Load() {
		return errors.ErrNotRunning
	}
	if len(events) == 0 {
		return nil
	}

	groups := make([][]types.Event, len(c.shards))
	for _, ev := range events {
		idx := int(uint32(ev.Producer) % uint32(len(c.shards)))
		groups[idx] = append(groups[idx], ev)
	}

	results := make([][]types.CorrelatedEvent, len(c.shards))
	var wg sync.WaitGroup
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		wg.Add(1)
		select {
		case c.shards[i].jobs <- job{events: group, out: &results[i], wg: &wg}:
		case <-c.shutdown:
			wg.Done()
			return errors.ErrNotRunning
		case <-ctx.Done():
			wg.Done()
			return ctx.Err()
		}
	}
	wg.Wait()

	out := make([]types.CorrelatedEvent, 0, len(events))
	for _, rs := range results {
		out = append(out, rs...)
	}

	metrics.EventsCorrelated.Add(float64(len(out)))
	return c.store.StoreBatch(out)
}

// runShard is the shard goroutine: the exclusive owner of its
// producers' call contexts.
func (c *Correlator) runShard(s *shard) {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		case cutoff := <-s.sweep:
			c.sweepContexts(s, cutoff)
		case j := <-s.jobs:
			for _, ev := range j.events {
				*j.out = append(*j.out, c.correlate(s, ev))
			}
			j.wg.Done()
		}
	}
}

// correlate processes one event against its shard's state.
func (c *Correlator) correlate(s *shard, ev types.Event) types.CorrelatedEvent {
	if cached, ok := s.dedup.get(ev.ID); ok {
		c.duplicates.Add(1)
		return cached
	}

	now := types.MonotonicNow()
	ctxt := s.contexts[ev.Producer]
	if ctxt == nil {
		ctxt = &callContext{}
		s.contexts[ev.Producer] = ctxt
	}
	ctxt.lastActive = now

	var ce types.CorrelatedEvent
	switch ev.Type {
	case types.EventFunctionEntry:
		ce = c.correlateEntry(ev, ctxt, now)
	case types.EventFunctionExit:
		ce = c.correlateExit(ev, ctxt, now)
	case types.EventMessageSend:
		ce = c.correlateSend(ev, ctxt, now)
	case types.EventMessageReceive:
		ce = c.correlateReceive(ev, ctxt, now)
	default:
		// State changes and errors inherit the active call, if any.
		ce = types.CorrelatedEvent{Event: ev, ResolvedCorrelationID: ev.CorrelationID}
		if ce.ResolvedCorrelationID == "" {
			if top, ok := ctxt.top(); ok {
				ce.ResolvedCorrelationID = top
			}
		}
	}

	if ce.Anomaly != types.AnomalyNone {
		c.anomalies.Add(1)
		metrics.CorrelationAnomalies.WithLabelValues(ce.Anomaly.String()).Inc()
	}

	c.processed.Add(1)
	s.dedup.put(ev.ID, ce)
	return ce
}

// correlateEntry opens a new correlation, nesting it under the current
// top of the producer's stack.
func (c *Correlator) correlateEntry(ev types.Event, ctxt *callContext, now int64) types.CorrelatedEvent {
	id := ev.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}

	var links []types.CorrelationLink
	if parent, ok := ctxt.top(); ok {
		links = []types.CorrelationLink{{Type: types.LinkParentOf, Target: parent}}
	}
	ctxt.push(id, now)

	c.reg.register(id, CorrelationMetadata{Created: now, Producer: ev.Producer, Kind: KindCall}, links)
	c.pairsOpened.Add(1)

	return types.CorrelatedEvent{Event: ev, ResolvedCorrelationID: id, Links: links}
}

// correlateExit closes the current correlation. A mismatched or missing
// open call is a non-fatal anomaly: the event passes through
// uncorrelated and the stack is left alone rather than corrupted
// further.
func (c *Correlator) correlateExit(ev types.Event, ctxt *callContext, now int64) types.CorrelatedEvent {
	top, ok := ctxt.top()
	if !ok {
		log.Debug("exit with empty call stack", "producer", ev.Producer, "event", ev.ID)
		return types.CorrelatedEvent{Event: ev, Anomaly: types.AnomalyStackUnderflow}
	}

	if ev.CorrelationID != "" && ev.CorrelationID != top {
		log.Warn("correlation desync on exit",
			"producer", ev.Producer, "declared", ev.CorrelationID, "open", top)
		return types.CorrelatedEvent{Event: ev, Anomaly: types.AnomalyExitMismatch}
	}

	ctxt.pop(now)
	c.pairsLinked.Add(1)
	return types.CorrelatedEvent{Event: ev, ResolvedCorrelationID: top}
}

// correlateSend registers a pending message carrying the sender's
// current correlation id.
func (c *Correlator) correlateSend(ev types.Event, ctxt *callContext, now int64) types.CorrelatedEvent {
	id, ok := ctxt.top()
	if !ok {
		id = ev.CorrelationID
		if id == "" {
			id = uuid.NewString()
		}
		c.reg.register(id, CorrelationMetadata{Created: now, Producer: ev.Producer, Kind: KindMessage}, nil)
	}

	sig := signature{sender: ev.Producer, receiver: ev.Payload.Peer, tag: ev.Payload.MessageTag}
	c.reg.addPending(sig, pendingMessage{correlationID: id, created: now})
	c.pairsOpened.Add(1)

	return types.CorrelatedEvent{Event: ev, ResolvedCorrelationID: id}
}

// correlateReceive matches a pending send; an unmatched receive is an
// expected gap (sender lost, expired, or never captured), not an error.
func (c *Correlator) correlateReceive(ev types.Event, ctxt *callContext, now int64) types.CorrelatedEvent {
	id := ev.CorrelationID
	if id == "" {
		if top, ok := ctxt.top(); ok {
			id = top
		} else {
			id = uuid.NewString()
			c.reg.register(id, CorrelationMetadata{Created: now, Producer: ev.Producer, Kind: KindMessage}, nil)
		}
	}

	sig := signature{sender: ev.Payload.Peer, receiver: ev.Producer, tag: ev.Payload.MessageTag}
	pm, ok := c.reg.takePending(sig)
	if !ok {
		return types.CorrelatedEvent{
			Event:                 ev,
			ResolvedCorrelationID: id,
			Anomaly:               types.AnomalyUnmatchedReceive,
		}
	}

	links := []types.CorrelationLink{{Type: types.LinkCausedBy, Target: pm.correlationID}}
	c.reg.register(id, CorrelationMetadata{Created: now, Producer: ev.Producer, Kind: KindMessage}, links)
	c.pairsLinked.Add(1)

	return types.CorrelatedEvent{Event: ev, ResolvedCorrelationID: id, Links: links}
}

// sweeper periodically expires correlation bookkeeping older than the
// TTL, independent of whether it was ever consumed.
func (c *Correlator) sweeper() {
	defer c.wg.Done()

	interval := c.cfg.TTL / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			cutoff := types.MonotonicNow() - int64(c.cfg.TTL)
			removed := c.reg.sweep(cutoff)
			if removed > 0 {
				c.swept.Add(int64(removed))
				log.Debug("ttl sweep", "removed", removed)
			}

			// Idle contexts are owned by their shards; hand the
			// cutoff to each owner instead of touching its state.
			for _, s := range c.shards {
				select {
				case s.sweep <- cutoff:
				case <-c.shutdown:
					return
				}
			}
		}
	}
}

// sweepContexts drops call contexts idle past the cutoff. Runs on the
// shard goroutine.
func (c *Correlator) sweepContexts(s *shard, cutoff int64) {
	for producer, ctxt := range s.contexts {
		if ctxt.lastActive < cutoff {
			delete(s.contexts, producer)
		}
	}
}

// Links returns the recorded causal links for a correlation id.
func (c *Correlator) Links(id string) []types.CorrelationLink {
	return c.reg.linksFor(id)
}

// Metadata returns the recorded metadata for a correlation id.
func (c *Correlator) Metadata(id string) (CorrelationMetadata, bool) {
	return c.reg.metadataFor(id)
}

// AccuracyEstimate is the fraction of opened entry/exit and
// send/receive pairs whose closing half was successfully linked. A
// pipeline with no traffic reports 1.0.
func (c *Correlator) AccuracyEstimate() float64 {
	opened := c.pairsOpened.Load()
	if opened == 0 {
		return 1.0
	}
	linked := c.pairsLinked.Load()
	if linked > opened {
		linked = opened
	}
	return float64(linked) / float64(opened)
}

// Stats returns correlator statistics.
func (c *Correlator) Stats() Stats {
	pending, meta, links := c.reg.size()

	return Stats{
		Processed:        c.processed.Load(),
		Duplicates:       c.duplicates.Load(),
		Anomalies:        c.anomalies.Load(),
		PairsOpened:      c.pairsOpened.Load(),
		PairsLinked:      c.pairsLinked.Load(),
		Swept:            c.swept.Load(),
		PendingMessages:  pending,
		TrackedMetadata:  meta,
		TrackedLinkSets:  links,
		AccuracyEstimate: c.AccuracyEstimate(),
	}
}

// Stats holds correlator statistics.
type Stats struct {
	Processed        int64
	Duplicates       int64
	Anomalies        int64
	PairsOpened      int64
	PairsLinked      int64
	Swept            int64
	PendingMessages  int
	TrackedMetadata  int
	TrackedLinkSets  int
	AccuracyEstimate float64
}
