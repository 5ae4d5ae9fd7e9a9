// Package buffer implements the lock-free ring buffer at the head of the
// telemetry pipeline.
//
// Key properties:
//   - Multi-producer writes with a single fetch-and-add (drop_oldest) or
//     CAS claim (drop_newest/block); no lock is held while storing an event
//   - Per-slot sequence numbers so readers only ever observe fully
//     published events
//   - Independent consumer cursors; consumers never coordinate and may
//     read overlapping ranges
//   - Read-then-commit consumption: producers reclaim slots only past
//     a cursor's committed position, so a consumer can roll back and
//     re-read a batch its downstream rejected
//   - Bounded, observable loss: every overwritten-unread or rejected
//     event increments the dropped counter
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamline/beamline/internal/errors"
	"github.com/beamline/beamline/internal/telemetry/config"
	"github.com/beamline/beamline/internal/telemetry/types"
)

// slot holds one published event. A position p is published when
// seq == p+1; seq == 0 means the slot is empty or mid-write.
type slot struct {
	seq atomic.Uint64
	ev  atomic.Pointer[types.Event]
}

// RingBuffer is a fixed-capacity, lock-free, multi-producer circular
// buffer. Capacity is a power of two so slot index math reduces to a
// mask instead of a modulo.
type RingBuffer struct {
	slots []slot
	mask  uint64

	capacity     uint64
	policy       config.OverflowPolicy
	blockTimeout time.Duration

	// writePos is the next logical write position; floor is the oldest
	// logically live position. Both only ever grow.
	writePos atomic.Uint64
	floor    atomic.Uint64

	// Registered consumer cursors, for utilization and space reclaim.
	cursorMu sync.RWMutex
	cursors  []*Cursor

	// Statistics
	writes  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

// Cursor is an independent read position into a RingBuffer. Each
// consumer owns exactly one cursor; cursors are never shared.
//
// The read position advances as batches are read, but producers only
// see the committed position: slots holding a read-but-uncommitted
// batch are not reclaimable, so a consumer that rolls back with Seek
// can always re-read the batch it failed to process.
type Cursor struct {
	pos       atomic.Uint64
	committed atomic.Uint64
}

// Position returns the cursor's current read position.
func (c *Cursor) Position() uint64 {
	return c.pos.Load()
}

// Committed returns the position producers reclaim space against.
func (c *Cursor) Committed() uint64 {
	return c.committed.Load()
}

// Commit publishes the current read position to producers, releasing
// the slots below it for reuse. Call after the batch read since the
// last commit has been durably handed off.
func (c *Cursor) Commit() {
	c.committed.Store(c.pos.Load())
}

// Seek moves the read position back to an earlier snapshotted
// position, used by a consumer to re-read a batch it failed to
// process. The committed position is untouched. Only the cursor's
// owner may call this.
func (c *Cursor) Seek(pos uint64) {
	c.pos.Store(pos)
}

// New creates a RingBuffer. Capacity must be a positive power of two.
func New(capacity int, policy config.OverflowPolicy, blockTimeout time.Duration) (*RingBuffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, errors.ErrInvalidCapacity
	}

	switch policy {
	case config.DropOldest, config.DropNewest, config.Block:
	default:
		return nil, errors.ErrInvalidPolicy
	}

	return &RingBuffer{
		slots:        make([]slot, capacity),
		mask:         uint64(capacity - 1),
		capacity:     uint64(capacity),
		policy:       policy,
		blockTimeout: blockTimeout,
	}, nil
}

// NewCursor registers a new independent consumer cursor starting at the
// oldest live event.
func (b *RingBuffer) NewCursor() *Cursor {
	c := &Cursor{}
	f := b.floor.Load()
	c.pos.Store(f)
	c.committed.Store(f)

	b.cursorMu.Lock()
	b.cursors = append(b.cursors, c)
	b.cursorMu.Unlock()

	return c
}

// Capacity returns the slot count.
func (b *RingBuffer) Capacity() int {
	return int(b.capacity)
}

// Write stores one event. Under drop_oldest it always succeeds,
// overwriting the oldest slot when full. Under drop_newest it returns
// ErrBufferFull when no slot is free. Under block it retries with
// backoff until space frees or the block timeout expires.
func (b *RingBuffer) Write(ev types.Event) error {
	switch b.policy {
	case config.DropOldest:
		b.writeOverwrite(ev)
		return nil
	case config.DropNewest:
		return b.writeClaim(ev)
	default: // config.Block
		return b.writeBlocking(ev)
	}
}

// writeOverwrite reserves the next position unconditionally and
// advances the read floor when lapping.
func (b *RingBuffer) writeOverwrite(ev types.Event) {
	p := b.writePos.Add(1) - 1

	if p >= b.capacity {
		b.advanceFloor(p - b.capacity + 1)
	}

	b.publish(p, ev)
	b.writes.Add(1)
}

// writeClaim claims the next position only if a slot is free.
func (b *RingBuffer) writeClaim(ev types.Event) error {
	for {
		w := b.writePos.Load()
		if w-b.reclaimFloor() >= b.capacity {
			b.dropped.Add(1)
			return errors.ErrBufferFull
		}
		if b.writePos.CompareAndSwap(w, w+1) {
			b.publish(w, ev)
			b.writes.Add(1)
			return nil
		}
	}
}

// writeBlocking retries writeClaim with exponential backoff, bounded by
// the configured block timeout. Zero timeout means wait indefinitely.
func (b *RingBuffer) writeBlocking(ev types.Event) error {
	backoff := time.Microsecond
	var deadline time.Time
	if b.blockTimeout > 0 {
		deadline = time.Now().Add(b.blockTimeout)
	}

	for {
		for {
			w := b.writePos.Load()
			if w-b.reclaimFloor() >= b.capacity {
				break // full, back off
			}
			if b.writePos.CompareAndSwap(w, w+1) {
				b.publish(w, ev)
				b.writes.Add(1)
				return nil
			}
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			b.dropped.Add(1)
			return errors.ErrWriteTimeout
		}

		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// publish stores the event into its slot. The zero seq claim makes a
// concurrent reader's validation fail instead of returning a torn or
// stale event.
func (b *RingBuffer) publish(p uint64, ev types.Event) {
	s := &b.slots[p&b.mask]
	s.seq.Store(0)
	s.ev.Store(&ev)
	s.seq.Store(p + 1)
}

// advanceFloor raises the logical read floor to at least newFloor and
// accounts overwritten-unread events as dropped.
func (b *RingBuffer) advanceFloor(newFloor uint64) {
	for {
		old := b.floor.Load()
		if newFloor <= old {
			return
		}
		if b.floor.CompareAndSwap(old, newFloor) {
			// Positions [old, newFloor) are gone. Those not yet read
			// by the slowest consumer were lost.
			unreadFrom := old
			if minC, ok := b.minCursor(); ok && minC > unreadFrom {
				unreadFrom = minC
			}
			if newFloor > unreadFrom {
				b.dropped.Add(int64(newFloor - unreadFrom))
			}
			return
		}
	}
}

// reclaimFloor returns the position below which slots may be reused:
// the slowest registered cursor, or the floor when no consumer exists.
func (b *RingBuffer) reclaimFloor() uint64 {
	if minC, ok := b.minCursor(); ok {
		return minC
	}
	return b.floor.Load()
}

// minCursor returns the smallest committed position across registered
// cursors. Read-but-uncommitted positions deliberately do not count:
// producers must not reuse slots a consumer may still roll back to.
func (b *RingBuffer) minCursor() (uint64, bool) {
	b.cursorMu.RLock()
	defer b.cursorMu.RUnlock()

	if len(b.cursors) == 0 {
		return 0, false
	}

	min := b.cursors[0].committed.Load()
	for _, c := range b.cursors[1:] {
		if p := c.committed.Load(); p < min {
			min = p
		}
	}
	return min, true
}

// ReadBatch returns up to max fully published events starting at the
// cursor, advancing its read position past everything returned; the
// committed position only moves when the consumer calls Commit. A
// cursor that fell behind the read floor is clamped forward; the
// skipped events were already counted as dropped by the writer that
// overwrote them.
func (b *RingBuffer) ReadBatch(c *Cursor, max int) []types.Event {
	if max <= 0 {
		return nil
	}

	pos := c.pos.Load()
	if f := b.floor.Load(); pos < f {
		pos = f
	}

	var out []types.Event
	for len(out) < max {
		s := &b.slots[pos&b.mask]

		seq := s.seq.Load()
		if seq < pos+1 {
			break // not yet published
		}

		if seq == pos+1 {
			evp := s.ev.Load()
			if s.seq.Load() == pos+1 {
				out = append(out, *evp)
				pos++
				continue
			}
		}

		// Lapped mid-read: resync to the current floor.
		f := b.floor.Load()
		if f <= pos {
			f = pos + 1
		}
		pos = f
	}

	c.pos.Store(pos)
	b.reads.Add(int64(len(out)))
	return out
}

// Len returns the number of live unread events relative to the slowest
// consumer (or the floor when no consumer is registered).
func (b *RingBuffer) Len() int {
	w := b.writePos.Load()
	f := b.reclaimFloor()
	if w <= f {
		return 0
	}
	n := w - f
	if n > b.capacity {
		n = b.capacity
	}
	return int(n)
}

// Utilization returns live events as a fraction of capacity (0.0-1.0).
func (b *RingBuffer) Utilization() float64 {
	return float64(b.Len()) / float64(b.capacity)
}

// Stats returns buffer statistics. The dropped count increases
// monotonically across all overflow policies.
func (b *RingBuffer) Stats() BufferStats {
	return BufferStats{
		Capacity:    int(b.capacity),
		Len:         b.Len(),
		Utilization: b.Utilization(),
		Writes:      b.writes.Load(),
		Reads:       b.reads.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity    int
	Len         int
	Utilization float64
	Writes      int64
	Reads       int64
	Dropped     int64
}
