package store

import (
	"sort"
	"sync"

	"github.com/beamline/beamline/internal/telemetry/types"
)

// timeEntry is one (timestamp, id) pair in the ordered time index.
type timeEntry struct {
	ts int64
	id types.EventID
}

// timeIndex is an ordered multimap from monotonic timestamp to event
// id. Inserts are append-only in the common case because events arrive
// roughly in timestamp order; out-of-order inserts fall back to a
// binary-search splice.
type timeIndex struct {
	mu      sync.RWMutex
	entries []timeEntry
}

func (idx *timeIndex) insert(ts int64, id types.EventID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := len(idx.entries)
	if n == 0 || idx.entries[n-1].ts <= ts {
		idx.entries = append(idx.entries, timeEntry{ts: ts, id: id})
		return
	}

	pos := sort.Search(n, func(i int) bool { return idx.entries[i].ts > ts })
	idx.entries = append(idx.entries, timeEntry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = timeEntry{ts: ts, id: id}
}

// rangeIDs returns the ids with from <= ts < to, in timestamp order,
// capped at limit when limit > 0.
func (idx *timeIndex) rangeIDs(from, to int64, limit int) []types.EventID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	lo := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= from })
	hi := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= to })
	if lo >= hi {
		return nil
	}
	if limit > 0 && hi-lo > limit {
		hi = lo + limit
	}

	ids := make([]types.EventID, 0, hi-lo)
	for _, e := range idx.entries[lo:hi] {
		ids = append(ids, e.id)
	}
	return ids
}

// removeBefore drops every entry older than cutoff and returns the
// removed ids.
func (idx *timeIndex) removeBefore(cutoff int64) []types.EventID {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= cutoff })
	if n == 0 {
		return nil
	}

	ids := make([]types.EventID, 0, n)
	for _, e := range idx.entries[:n] {
		ids = append(ids, e.id)
	}
	idx.entries = append(idx.entries[:0], idx.entries[n:]...)
	return ids
}

func (idx *timeIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// multiIndex is an unordered multimap from a key to event ids, used for
// the producer, function, and correlation indices.
type multiIndex[K comparable] struct {
	mu sync.RWMutex
	m  map[K][]types.EventID
}

func newMultiIndex[K comparable]() *multiIndex[K] {
	return &multiIndex[K]{m: make(map[K][]types.EventID)}
}

func (idx *multiIndex[K]) insert(key K, id types.EventID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.m[key] = append(idx.m[key], id)
}

// ids returns the ids for key in insertion order, capped at limit when
// limit > 0.
func (idx *multiIndex[K]) ids(key K, limit int) []types.EventID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	list := idx.m[key]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	if len(list) == 0 {
		return nil
	}
	out := make([]types.EventID, len(list))
	copy(out, list)
	return out
}

// remove deletes id from the key's list.
func (idx *multiIndex[K]) remove(key K, id types.EventID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	list := idx.m[key]
	for i, cur := range list {
		if cur == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(idx.m, key)
	} else {
		idx.m[key] = list
	}
}

func (idx *multiIndex[K]) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := 0
	for _, list := range idx.m {
		total += len(list)
	}
	return total
}
