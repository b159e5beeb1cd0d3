// Package lru implements a fixed-capacity, approximate-LRU index keyed by
// uint64. It backs the read/write-through caches: the whole index lives in
// a single slice ordered by key, and eviction victims are chosen by a
// refcount surrogate instead of a doubly-linked list, so the structure
// stays one contiguous, cache-friendly array with no pointer chasing.
package lru

// Index maps uint64 keys to values of type T with a fixed capacity and
// approximate-LRU eviction. The zero value is not usable; construct with
// New.
type Index[T any] struct {
	cap     uint64
	entries []slot[T]
}

type slot[T any] struct {
	key  uint64
	refs uint64
	data T
}

// New builds an index with room for capacity entries. It returns nil for a
// zero capacity, mirroring the reference implementation's refusal to
// construct a zero-sized cache.
func New[T any](capacity uint64) *Index[T] {
	if capacity == 0 {
		return nil
	}
	return &Index[T]{cap: capacity}
}

// Cap returns the fixed capacity the index was created with.
func (x *Index[T]) Cap() uint64 { return x.cap }

// Len returns the number of slots currently allocated, valid or not.
func (x *Index[T]) Len() int { return len(x.entries) }

func (x *Index[T]) isValid(s slot[T]) bool { return s.refs != x.cap }

// lowerBound returns the first index whose key is >= key, and whether that
// slot is an exact, currently-valid match.
func (x *Index[T]) lowerBound(key uint64) (int, bool) {
	lo, hi := 0, len(x.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if x.entries[mid].key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	exact := lo < len(x.entries) && x.entries[lo].key == key && x.isValid(x.entries[lo])
	return lo, exact
}

// touch marks slot i most-recently-used: every slot with a smaller
// refcount than i's is bumped by one, then i's refcount is reset to zero.
// O(L), but requires no list and keeps the index one flat array.
func (x *Index[T]) touch(i int) {
	r := x.entries[i].refs
	for j := range x.entries {
		if x.entries[j].refs < r {
			x.entries[j].refs++
		}
	}
	x.entries[i].refs = 0
}

// evictIndexFind returns the slot to sacrifice for an insertion: the slot
// with maximal refcount, preferring the first invalid slot it encounters
// and otherwise the lowest index among ties.
func (x *Index[T]) evictIndexFind() int {
	victim := 0
	if x.isValid(x.entries[0]) {
		for i := 1; i < len(x.entries); i++ {
			if x.entries[victim].refs < x.entries[i].refs {
				victim = i
			}
			if !x.isValid(x.entries[victim]) {
				break
			}
		}
	}
	return victim
}

// Find looks up key, touching and returning its value if present and
// valid.
func (x *Index[T]) Find(key uint64) (T, bool) {
	i, exact := x.lowerBound(key)
	if !exact {
		var zero T
		return zero, false
	}
	x.touch(i)
	return x.entries[i].data, true
}

// Exists reports whether key is present and valid, without touching it.
func (x *Index[T]) Exists(key uint64) bool {
	_, exact := x.lowerBound(key)
	return exact
}

// Update installs (key, data) and returns the (key, data) it displaced, if
// any. Updating an already-present valid key swaps its data in place and
// returns the prior value as evicted. Every path ends by touching the
// slot the new value landed in.
func (x *Index[T]) Update(key uint64, data T) (evictedKey uint64, evictedData T, evicted bool) {
	i, exact := x.lowerBound(key)
	shouldEvict := true

	if !exact {
		needsRoom := i >= len(x.entries) || x.isValid(x.entries[i])
		if needsRoom {
			if uint64(len(x.entries)) >= x.cap {
				i = x.evictInsert(i)
			} else {
				x.shiftInsert(i, key)
				shouldEvict = false
			}
		}
		// else: slot at i is an invalidated hole sitting at the right
		// sorted position for key; fall through and overwrite it in place.
	}

	if shouldEvict {
		if x.isValid(x.entries[i]) {
			evictedKey = x.entries[i].key
			evictedData = x.entries[i].data
			evicted = true
		}
		x.entries[i].key = key
		x.entries[i].data = data
	}

	x.touch(i)
	return evictedKey, evictedData, evicted
}

// evictInsert sacrifices the chosen victim slot and rotates it to
// position i, preserving the sorted order of everything between, then
// returns the (possibly shifted) index the caller should install the new
// entry at.
func (x *Index[T]) evictInsert(i int) int {
	evictIdx := x.evictIndexFind()
	if evictIdx < i {
		victim := x.entries[evictIdx]
		copy(x.entries[evictIdx:i-1], x.entries[evictIdx+1:i])
		x.entries[i-1] = victim
		return i - 1
	}
	victim := x.entries[evictIdx]
	copy(x.entries[i+1:evictIdx+1], x.entries[i:evictIdx])
	x.entries[i] = victim
	return i
}

// shiftInsert grows the index by one slot, shifting everything from i
// onward right by one and installing an invalidated placeholder for key
// at i (the caller's touch/overwrite finishes the job).
func (x *Index[T]) shiftInsert(i int, key uint64) {
	x.entries = append(x.entries, slot[T]{})
	copy(x.entries[i+1:], x.entries[i:len(x.entries)-1])
	var zero T
	x.entries[i] = slot[T]{key: key, refs: x.cap, data: zero}
}

// Invalidate marks key's slot logically empty, if present. The slot stays
// in place, keeping its key, so relative order is preserved; it may be
// reused by a later Update.
func (x *Index[T]) Invalidate(key uint64) bool {
	i, exact := x.lowerBound(key)
	if !exact {
		return false
	}
	x.invalidateAt(i)
	return true
}

// InvalidateRange marks every slot with a key in [lo, hi) logically empty.
func (x *Index[T]) InvalidateRange(lo, hi uint64) {
	first, _ := x.lowerBound(lo)
	last, _ := x.lowerBound(hi)
	for i := first; i < last; i++ {
		x.invalidateAt(i)
	}
}

func (x *Index[T]) invalidateAt(i int) {
	var zero T
	x.entries[i].refs = x.cap
	x.entries[i].data = zero
}
