package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/kiln/safepoint"
)

// TLAB is a thread's allocation context: a private bump region, a cache of
// reserved handles and the thread's barrier buffer. Only the owning thread
// uses a TLAB outside of safepoints.
type TLAB struct {
	heap        *Heap
	Participant *safepoint.Participant

	space     *Space
	top, end  int
	handles   []uint32
	satb      []Value
	scanned   atomic.Bool // stack scanned in the current marking cycle
	allocated atomic.Uint64
	refills   atomic.Uint64
}

// satbFlush is the barrier buffer size that triggers a flush to the heap.
const satbFlush = 256

// NewTLAB registers an allocation context for the thread p.
func (h *Heap) NewTLAB(p *safepoint.Participant) *TLAB {
	t := &TLAB{heap: h, Participant: p}
	h.mu.Lock()
	h.tlabs[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// Release unregisters t, returning its cached handles and flushing its
// barrier buffer.
func (t *TLAB) Release() {
	h := t.heap
	h.mu.Lock()
	delete(h.tlabs, t)
	h.mu.Unlock()

	h.handles.give(t.handles)
	t.handles = nil
	t.flushSATB()
	t.space, t.top, t.end = nil, 0, 0
}

// Allocated returns the number of objects allocated through t.
func (t *TLAB) Allocated() uint64 { return t.allocated.Load() }

// Refills returns the number of buffer refills.
func (t *TLAB) Refills() uint64 { return t.refills.Load() }

// StackScanned reports whether the thread's roots were scanned in the
// current marking cycle.
func (t *TLAB) StackScanned() bool { return t.scanned.Load() }

// SetStackScanned records that the thread's roots were scanned.
func (t *TLAB) SetStackScanned(v bool) { t.scanned.Store(v) }

// Remaining returns the free words left in the buffer.
func (t *TLAB) Remaining() int { return t.end - t.top }

func (t *TLAB) bump(words int) (int, bool) {
	if t.space == nil || t.top+words > t.end {
		return 0, false
	}
	off := t.top
	t.top += words
	// Keep the space parseable past the new object.
	t.space.format(t.top, t.end-t.top)
	return off, true
}

// retire drops the buffer. The unused tail is already a filler.
func (t *TLAB) retire() {
	t.space, t.top, t.end = nil, 0, 0
}

// TLABs returns the registered allocation contexts.
func (h *Heap) TLABs() []*TLAB {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*TLAB, 0, len(h.tlabs))
	for t := range h.tlabs {
		out = append(out, t)
	}
	return out
}

// RetireTLABs drops every thread's buffer so spaces can be reorganized.
// Callers hold a safepoint.
func (h *Heap) RetireTLABs() {
	h.mu.Lock()
	for t := range h.tlabs {
		t.retire()
	}
	h.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate creates an object of type t with size fields (or elements, for
// array types). Value fields start as Nil and raw fields as zero.
//
// The fast path bumps the caller's buffer. When the buffer is exhausted the
// slow path refills it under the heap lock, and when the allocation space is
// exhausted it triggers a collection. ErrOutOfMemory is returned only after
// a last-ditch full collection failed to make room.
func (h *Heap) Allocate(tlab *TLAB, t *Type, size int) (Value, error) {
	words, err := objectWords(t, size)
	if err != nil {
		return Nil, err
	}
	if tlab.heap != h {
		return Nil, ErrNotRegistered
	}

	var loc Loc
	if words >= h.largeWords {
		loc, err = h.allocateSlow(tlab, words, true)
	} else if off, ok := tlab.bump(words); ok {
		loc = Loc{Space: tlab.space.index, Offset: off}
	} else {
		loc, err = h.allocateSlow(tlab, words, false)
	}
	if err != nil {
		return Nil, err
	}

	if len(tlab.handles) == 0 {
		tlab.handles = h.handles.reserve(tlab.handles, h.handleCache)
	}
	last := len(tlab.handles) - 1
	idx := tlab.handles[last]
	tlab.handles = tlab.handles[:last]

	gen := entryGen(h.handles.entry(idx).Load())
	hd := Handle{Index: idx, Gen: gen}
	h.initObject(loc, t, words, hd)
	h.handles.bind(idx, loc)

	tlab.allocated.Add(1)
	h.allocations.Add(1)
	h.allocWords.Add(uint64(words))
	return MakeRef(hd), nil
}

func (h *Heap) initObject(loc Loc, t *Type, words int, hd Handle) {
	s := h.spaces[loc.Space]
	base := loc.Offset + headerWords
	for i := 0; i < words-headerWords; i++ {
		if t.FieldKindAt(i) == FieldValue {
			s.store(base+i, uint64(Nil))
		} else {
			s.store(base+i, 0)
		}
	}
	s.store(loc.Offset+1, packHandle(hd))

	hdr := makeHeader(t.ID, words)
	if h.marking.Load() {
		// Allocated black: nothing reachable from it predates the snapshot.
		hdr = Header(uint64(hdr) | hdrMark)
	}
	s.setHeader(loc.Offset, hdr)
}

// allocateSlow refills the buffer (or places a large object directly) and
// drives the collection policy when the target space is full.
func (h *Heap) allocateSlow(tlab *TLAB, words int, large bool) (Loc, error) {
	lastDitch := false
	collected := false
	for {
		loc, seen, ok := h.tryAllocateLocked(tlab, words, large)
		if ok {
			h.checkOccupancy()
			return loc, nil
		}

		h.mu.Lock()
		c := h.collector
		h.mu.Unlock()

		space := h.AllocationSpace().Kind
		if large {
			space = h.OldSpace().Kind
		}
		if c == nil || lastDitch {
			h.ooms.Add(1)
			s := h.AllocationSpace()
			if large {
				s = h.OldSpace()
			}
			log.Warningf("out of memory: requested %d words, %d free in %s", words, s.FreeWords(), s.Name)
			return Loc{}, fmt.Errorf("%w: requested %d words, %d free in %s",
				ErrOutOfMemory, words, s.FreeWords(), s.Name)
		}

		if h.async && !large && h.reserveOpen.CompareAndSwap(false, true) {
			// Keep running out of the reserve while the collector works.
			if h.bgRequested.CompareAndSwap(false, true) {
				c.RequestBackground(space)
			}
			continue
		}

		req := AllocationRequest{Space: space, Words: words, Seen: seen, LastDitch: collected}
		if err := c.CollectForAllocation(tlab, req); err != nil {
			return Loc{}, err
		}
		lastDitch = collected
		collected = true
	}
}

// tryAllocateLocked attempts the allocation under the heap lock. It returns
// the collection count observed at the attempt.
func (h *Heap) tryAllocateLocked(tlab *TLAB, words int, large bool) (Loc, uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := h.collections.Load()

	if large {
		s := h.OldSpace()
		off, ok := s.carve(words, s.Capacity())
		if !ok {
			return Loc{}, seen, false
		}
		h.largeAllocs.Add(1)
		log.Debugf("large object: %d words at %s:%d", words, s.Name, off)
		return Loc{Space: s.index, Offset: off}, seen, true
	}

	s := h.AllocationSpace()
	limit := s.Capacity() - s.reserve
	if h.reserveOpen.Load() {
		limit = s.Capacity()
	}
	want := h.tlabWords
	if want < words {
		want = words
	}
	off, got, ok := s.carveUpTo(words, want, limit)
	if !ok {
		return Loc{}, seen, false
	}

	tlab.retire()
	tlab.space = s
	tlab.top = off
	tlab.end = off + got
	tlab.refills.Add(1)
	h.refills.Add(1)

	loc, _ := tlab.bump(words)
	return Loc{Space: s.index, Offset: loc}, seen, true
}

// checkOccupancy wakes the background collector when the allocation space
// crosses the initiating occupancy.
func (h *Heap) checkOccupancy() {
	if !h.async {
		return
	}
	h.mu.Lock()
	s := h.AllocationSpace()
	over := s.Used()*100 >= s.Capacity()*h.occupancy
	c := h.collector
	h.mu.Unlock()

	if over && c != nil && h.bgRequested.CompareAndSwap(false, true) {
		c.RequestBackground(s.Kind)
	}
}

// ---------------------------------------------------------------------------
// Collector support
// ---------------------------------------------------------------------------

// Copy places a copy of the object at from into space to, rebinding its
// handle. It returns false if to has no room. Callers hold a safepoint.
func (h *Heap) Copy(from Loc, to *Space, hdr Header) (Loc, bool) {
	src := h.spaces[from.Space]
	size := hdr.Size()
	off, ok := to.carve(size, to.Capacity())
	if !ok {
		return Loc{}, false
	}
	copy(to.words[off:off+size], src.words[from.Offset:from.Offset+size])
	to.setHeader(off, hdr)
	dst := Loc{Space: to.index, Offset: off}
	h.handles.move(h.HandleAt(dst), dst)
	return dst, true
}

// Slide moves the object at from down to offset to within its space and
// rebinds its handle. Callers hold a safepoint.
func (h *Heap) Slide(from Loc, to int, hdr Header) Loc {
	s := h.spaces[from.Space]
	size := hdr.Size()
	if to != from.Offset {
		s.MoveWords(from.Offset, to, size)
	}
	s.setHeader(to, hdr)
	dst := Loc{Space: from.Space, Offset: to}
	h.handles.move(h.HandleAt(dst), dst)
	return dst
}

// Free releases the handle of a dead object. Callers hold a safepoint and
// reformat the object's storage.
func (h *Heap) Free(hd Handle) {
	h.handles.release(hd)
}

// TryMark sets the mark bit of the object at loc. It returns false if the
// object was already marked.
func (h *Heap) TryMark(loc Loc) bool {
	s := h.spaces[loc.Space]
	for {
		old := s.header(loc.Offset)
		if old.Marked() {
			return false
		}
		if s.casHeader(loc.Offset, old, Header(uint64(old)|hdrMark)) {
			return true
		}
	}
}

// Owns reports whether the object at loc is the current home of its handle.
// Evacuated copies left behind by a young collection are not.
func (h *Heap) Owns(loc Loc) bool {
	cur, ok := h.handles.lookup(h.HandleAt(loc))
	return ok && cur == loc
}

// ForEachHandle calls fn for every live handle. Callers hold a safepoint.
func (h *Heap) ForEachHandle(fn func(hd Handle, loc Loc)) {
	h.handles.forEachLive(fn)
}
