package correlate

import (
	"sync"

	"github.com/beamline/beamline/internal/telemetry/types"
)

// callContext is the per-producer stack of active, not-yet-exited call
// correlation ids. Created lazily on the first event from a producer
// and only ever touched by that producer's shard goroutine.
type callContext struct {
	stack      []string
	lastActive int64 // monotonic ns
}

func (c *callContext) push(id string, now int64) {
	c.stack = append(c.stack, id)
	c.lastActive = now
}

func (c *callContext) top() (string, bool) {
	if len(c.stack) == 0 {
		return "", false
	}
	return c.stack[len(c.stack)-1], true
}

func (c *callContext) pop(now int64) (string, bool) {
	id, ok := c.top()
	if !ok {
		return "", false
	}
	c.stack = c.stack[:len(c.stack)-1]
	c.lastActive = now
	return id, true
}

// signature keys a pending message: a send and its receive compute the
// same triple from opposite ends.
type signature struct {
	sender   types.ProducerID
	receiver types.ProducerID
	tag      string
}

// pendingMessage holds the sender's correlation id until a matching
// receive consumes it or the TTL sweep expires it.
type pendingMessage struct {
	correlationID string
	created       int64 // monotonic ns
}

// CorrelationKind distinguishes call correlations from message ones.
type CorrelationKind int

const (
	KindCall CorrelationKind = iota
	KindMessage
)

// CorrelationMetadata describes one correlation id.
type CorrelationMetadata struct {
	Created  int64 // monotonic ns
	Producer types.ProducerID
	Kind     CorrelationKind
}

// registry is the cross-shard correlation bookkeeping: pending
// messages, per-id metadata, and the causal link table. Sends and
// receives land on the shards of two different producers, so this state
// cannot be shard-owned; a single mutex is cheap relative to batch
// processing.
type registry struct {
	mu       sync.Mutex
	pending  map[signature][]pendingMessage
	metadata map[string]CorrelationMetadata
	links    map[string][]types.CorrelationLink
}

func newRegistry() *registry {
	return &registry{
		pending:  make(map[signature][]pendingMessage),
		metadata: make(map[string]CorrelationMetadata),
		links:    make(map[string][]types.CorrelationLink),
	}
}

// register records metadata for a new correlation id and any links it
// was born with.
func (r *registry) register(id string, meta CorrelationMetadata, links []types.CorrelationLink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.metadata[id]; !ok {
		r.metadata[id] = meta
	}
	if len(links) > 0 {
		r.links[id] = append(r.links[id], links...)
	}
}

// addPending registers a sent message awaiting its receive.
func (r *registry) addPending(sig signature, pm pendingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sig] = append(r.pending[sig], pm)
}

// takePending consumes the oldest pending message for the signature.
func (r *registry) takePending(sig signature) (pendingMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.pending[sig]
	if !ok || len(list) == 0 {
		return pendingMessage{}, false
	}

	pm := list[0]
	if len(list) == 1 {
		delete(r.pending, sig)
	} else {
		r.pending[sig] = list[1:]
	}
	return pm, true
}

// linksFor returns a copy of the link list for an id.
func (r *registry) linksFor(id string) []types.CorrelationLink {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.links[id]
	if len(list) == 0 {
		return nil
	}
	out := make([]types.CorrelationLink, len(list))
	copy(out, list)
	return out
}

// metadataFor returns the metadata for an id.
func (r *registry) metadataFor(id string) (CorrelationMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metadata[id]
	return m, ok
}

// sweep removes bookkeeping created before cutoff, regardless of
// whether it was ever consumed. Returns how many entries were removed.
func (r *registry) sweep(cutoff int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for sig, list := range r.pending {
		kept := list[:0]
		for _, pm := range list {
			if pm.created >= cutoff {
				kept = append(kept, pm)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(r.pending, sig)
		} else {
			r.pending[sig] = kept
		}
	}

	for id, meta := range r.metadata {
		if meta.Created < cutoff {
			delete(r.metadata, id)
			delete(r.links, id)
			removed++
		}
	}

	return removed
}

// size returns the entry counts for statistics.
func (r *registry) size() (pending, metadata, links int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, list := range r.pending {
		pending += len(list)
	}
	return pending, len(r.metadata), len(r.links)
}

// dedupWindow remembers recently correlated event ids with their
// results, bounding memory with a FIFO eviction ring. Reprocessing an
// id inside the window is a no-op that returns the cached result.
type dedupWindow struct {
	cache map[types.EventID]types.CorrelatedEvent
	ring  []types.EventID
	next  int
}

func newDedupWindow(size int) *dedupWindow {
	return &dedupWindow{
		cache: make(map[types.EventID]types.CorrelatedEvent, size),
		ring:  make([]types.EventID, size),
	}
}

func (w *dedupWindow) get(id types.EventID) (types.CorrelatedEvent, bool) {
	ce, ok := w.cache[id]
	return ce, ok
}

func (w *dedupWindow) put(id types.EventID, ce types.CorrelatedEvent) {
	if old := w.ring[w.next]; old != 0 {
		delete(w.cache, old)
	}
	w.ring[w.next] = id
	w.next = (w.next + 1) % len(w.ring)
	w.cache[id] = ce
}
