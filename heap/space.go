package heap

import (
	"sort"
	"sync/atomic"
)

// SpaceKind identifies a space's role.
type SpaceKind int

const (
	SpaceEden SpaceKind = iota
	SpaceSurvivor
	SpaceTenured
	SpaceMain // the single space of a non-generational heap
)

func (k SpaceKind) String() string {
	switch k {
	case SpaceEden:
		return "eden"
	case SpaceSurvivor:
		return "survivor"
	case SpaceTenured:
		return "tenured"
	case SpaceMain:
		return "main"
	default:
		return "unknown"
	}
}

// Young reports whether objects in this kind of space are collected by
// young collections.
func (k SpaceKind) Young() bool { return k == SpaceEden || k == SpaceSurvivor }

// Range is a free word range inside a space.
type Range struct {
	Offset int
	Words  int
}

// MinFreeRange is the smallest range kept on a free list. Smaller gaps stay
// formatted as fillers until the next compaction or coalescing sweep.
const MinFreeRange = 8

// Space is a contiguous word array. Words below top are always parseable as
// a sequence of objects and fillers.
type Space struct {
	Name  string
	Kind  SpaceKind
	index int

	words []uint64
	top   int
	free  []Range // sorted by offset, all below top

	// reserve is the tail kept back for allocation while an asynchronous
	// collection runs.
	reserve int
}

func newSpace(name string, kind SpaceKind, index, words int) *Space {
	return &Space{Name: name, Kind: kind, index: index, words: make([]uint64, words)}
}

// Index returns the space's position in Heap.Spaces().
func (s *Space) Index() int { return s.index }

// Capacity returns the size of the space in words.
func (s *Space) Capacity() int { return len(s.words) }

// Top returns the bump pointer.
func (s *Space) Top() int { return s.top }

// FreeWords returns the words available for allocation.
func (s *Space) FreeWords() int {
	n := len(s.words) - s.top
	for _, r := range s.free {
		n += r.Words
	}
	return n
}

// Used returns the words occupied by objects and unusable fillers.
func (s *Space) Used() int { return len(s.words) - s.FreeWords() }

// FreeList returns a copy of the free ranges below top.
func (s *Space) FreeList() []Range {
	return append([]Range(nil), s.free...)
}

// carve takes words from the free list (first fit) or the bump region. limit
// caps the bump pointer.
func (s *Space) carve(words, limit int) (int, bool) {
	for i, r := range s.free {
		if r.Words < words {
			continue
		}
		off := r.Offset
		rest := r.Words - words
		if rest >= MinFreeRange {
			s.free[i] = Range{Offset: off + words, Words: rest}
			s.format(off+words, rest)
		} else {
			s.free = append(s.free[:i], s.free[i+1:]...)
			if rest > 0 {
				s.format(off+words, rest)
			}
		}
		return off, true
	}
	if limit > len(s.words) {
		limit = len(s.words)
	}
	if s.top+words > limit {
		return 0, false
	}
	off := s.top
	s.top += words
	return off, true
}

// carveUpTo takes at least min and at most want words, preferring want.
func (s *Space) carveUpTo(min, want, limit int) (int, int, bool) {
	if off, ok := s.carve(want, limit); ok {
		return off, want, true
	}
	// Largest free range that fits min.
	best := -1
	for i, r := range s.free {
		if r.Words >= min && (best < 0 || r.Words > s.free[best].Words) {
			best = i
		}
	}
	if best >= 0 {
		r := s.free[best]
		s.free = append(s.free[:best], s.free[best+1:]...)
		return r.Offset, r.Words, true
	}
	if limit > len(s.words) {
		limit = len(s.words)
	}
	if avail := limit - s.top; avail >= min {
		off := s.top
		s.top += avail
		return off, avail, true
	}
	return 0, 0, false
}

// Format writes a filler over [off, off+words).
func (s *Space) Format(off, words int) { s.format(off, words) }

func (s *Space) format(off, words int) {
	if words <= 0 {
		return
	}
	atomic.StoreUint64(&s.words[off], uint64(fillerHeader(words)))
}

// header returns the header at off.
func (s *Space) header(off int) Header {
	return Header(atomic.LoadUint64(&s.words[off]))
}

func (s *Space) setHeader(off int, h Header) {
	atomic.StoreUint64(&s.words[off], uint64(h))
}

// casHeader replaces the header at off if it still holds old.
func (s *Space) casHeader(off int, old, new Header) bool {
	return atomic.CompareAndSwapUint64(&s.words[off], uint64(old), uint64(new))
}

func (s *Space) load(addr int) uint64 {
	return atomic.LoadUint64(&s.words[addr])
}

func (s *Space) store(addr int, w uint64) {
	atomic.StoreUint64(&s.words[addr], w)
}

// Walk calls fn for every object and filler below top in address order
// until fn returns false. Callers must hold a safepoint or the heap mutex
// with all TLABs retired.
func (s *Space) Walk(fn func(off int, h Header) bool) {
	for off := 0; off < s.top; {
		h := s.header(off)
		size := h.Size()
		if size <= 0 {
			// Unformatted word; corrupt. Verify reports it.
			return
		}
		if !fn(off, h) {
			return
		}
		off += size
	}
}

// Reset empties the space.
func (s *Space) Reset() {
	s.top = 0
	s.free = s.free[:0]
}

// SetTop moves the bump pointer, dropping free ranges at or above it.
func (s *Space) SetTop(top int) {
	s.top = top
	kept := s.free[:0]
	for _, r := range s.free {
		if r.Offset+r.Words <= top {
			kept = append(kept, r)
		}
	}
	s.free = kept
}

// SetFreeList replaces the free list. Every range must already be formatted
// as a filler.
func (s *Space) SetFreeList(ranges []Range) {
	s.free = append(s.free[:0], ranges...)
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].Offset < s.free[j].Offset })
}

// MoveWords copies size words from one offset to another inside the space.
// Overlapping ranges are handled.
func (s *Space) MoveWords(from, to, size int) {
	copy(s.words[to:to+size], s.words[from:from+size])
}
