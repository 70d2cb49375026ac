package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Loc is an object's current location.
type Loc struct {
	Space  int // index into Heap.Spaces()
	Offset int // word offset of the header
}

func (l Loc) String() string { return fmt.Sprintf("%d:%d", l.Space, l.Offset) }

// Handle-table entry word:
//
//	63      valid
//	47..62  generation
//	40..46  space index
//	 0..39  word offset
const (
	entryValid      = uint64(1) << 63
	entryGenShift   = 47
	entrySpaceShift = 40
	entrySpaceMask  = 0x7F
	entryOffsetMask = uint64(1)<<40 - 1

	handleChunkBits = 12
	handleChunkSize = 1 << handleChunkBits
)

func packEntry(gen uint16, loc Loc) uint64 {
	return entryValid | uint64(gen)<<entryGenShift |
		uint64(loc.Space&entrySpaceMask)<<entrySpaceShift | uint64(loc.Offset)&entryOffsetMask
}

func entryGen(w uint64) uint16 { return uint16(w >> entryGenShift) }

func entryLoc(w uint64) Loc {
	return Loc{Space: int(w>>entrySpaceShift) & entrySpaceMask, Offset: int(w & entryOffsetMask)}
}

type handleChunk [handleChunkSize]atomic.Uint64

// handleTable maps handle indexes to object locations. Chunks never move, so
// an entry's address is stable once its chunk exists. Index 0 is never
// issued.
type handleTable struct {
	chunks atomic.Pointer[[]*handleChunk]

	mu   sync.Mutex // guards next, free and chunk growth
	next uint32
	free []uint32
	live atomic.Int64
}

func newHandleTable() *handleTable {
	t := &handleTable{next: 1}
	chunks := []*handleChunk{new(handleChunk)}
	t.chunks.Store(&chunks)
	return t
}

func (t *handleTable) entry(idx uint32) *atomic.Uint64 {
	chunks := *t.chunks.Load()
	c := int(idx >> handleChunkBits)
	if c >= len(chunks) {
		return nil
	}
	return &chunks[c][idx&(handleChunkSize-1)]
}

// reserve hands out up to n free indexes, growing the table as needed.
func (t *handleTable) reserve(dst []uint32, n int) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n > 0 && len(t.free) > 0 {
		last := len(t.free) - 1
		dst = append(dst, t.free[last])
		t.free = t.free[:last]
		n--
	}
	for n > 0 {
		idx := t.next
		if int(idx>>handleChunkBits) >= len(*t.chunks.Load()) {
			grown := append(append([]*handleChunk(nil), *t.chunks.Load()...), new(handleChunk))
			t.chunks.Store(&grown)
		}
		t.next++
		dst = append(dst, idx)
		n--
	}
	return dst
}

// give returns unused reserved indexes to the free list.
func (t *handleTable) give(idxs []uint32) {
	if len(idxs) == 0 {
		return
	}
	t.mu.Lock()
	t.free = append(t.free, idxs...)
	t.mu.Unlock()
}

// bind makes a reserved index valid at loc, returning the issued handle.
func (t *handleTable) bind(idx uint32, loc Loc) Handle {
	e := t.entry(idx)
	gen := entryGen(e.Load())
	e.Store(packEntry(gen, loc))
	t.live.Add(1)
	return Handle{Index: idx, Gen: gen}
}

// lookup returns the location of h, or false if h is stale.
func (t *handleTable) lookup(h Handle) (Loc, bool) {
	e := t.entry(h.Index)
	if e == nil {
		return Loc{}, false
	}
	w := e.Load()
	if w&entryValid == 0 || entryGen(w) != h.Gen {
		return Loc{}, false
	}
	return entryLoc(w), true
}

// move rebinds a live handle to a new location.
func (t *handleTable) move(h Handle, loc Loc) {
	t.entry(h.Index).Store(packEntry(h.Gen, loc))
}

// release invalidates h and bumps its generation. The index is recycled.
func (t *handleTable) release(h Handle) {
	e := t.entry(h.Index)
	e.Store(uint64(h.Gen+1) << entryGenShift)
	t.live.Add(-1)
	t.mu.Lock()
	t.free = append(t.free, h.Index)
	t.mu.Unlock()
}

// size returns the number of indexes ever issued.
func (t *handleTable) size() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// forEachLive calls fn for every valid entry. Callers hold a safepoint.
func (t *handleTable) forEachLive(fn func(h Handle, loc Loc)) {
	n := t.size()
	for idx := uint32(1); idx < n; idx++ {
		w := t.entry(idx).Load()
		if w&entryValid != 0 {
			fn(Handle{Index: idx, Gen: entryGen(w)}, entryLoc(w))
		}
	}
}
