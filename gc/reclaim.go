package gc

import (
	"github.com/chazu/kiln/heap"
)

// release frees the handle of a dead object, unless the object is a stale
// copy whose handle already moved on.
func (c *Collector) release(ev *Event, loc heap.Loc, hdr heap.Header) {
	h := c.heap
	if !h.Owns(loc) {
		return
	}
	h.Free(h.HandleAt(loc))
	ev.Freed += hdr.Size()
	ev.FreedObjects++
}

// sweep frees unmarked objects in place. Adjacent dead objects and fillers
// are coalesced into one filler; large enough gaps go on the free list and
// a free tail lowers the bump pointer. Survivors have their marks cleared.
func (c *Collector) sweep(s *heap.Space, ev *Event) {
	h := c.heap
	var ranges []heap.Range
	start, run := -1, 0
	flush := func() {
		if run > 0 {
			s.Format(start, run)
			if run >= heap.MinFreeRange {
				ranges = append(ranges, heap.Range{Offset: start, Words: run})
			}
		}
		start, run = -1, 0
	}

	s.Walk(func(off int, hdr heap.Header) bool {
		loc := heap.Loc{Space: s.Index(), Offset: off}
		if !hdr.IsFiller() && hdr.Marked() {
			flush()
			h.SetHeader(loc, hdr.Clean())
			return true
		}
		if !hdr.IsFiller() {
			c.release(ev, loc, hdr)
		}
		if start < 0 {
			start = off
		}
		run += hdr.Size()
		return true
	})

	if start >= 0 && start+run == s.Top() {
		s.SetTop(start)
		start, run = -1, 0
	}
	flush()
	s.SetFreeList(ranges)
}

// compact slides marked objects to the bottom of the space in address
// order. Handles are rebound as objects move; references never change.
func (c *Collector) compact(s *heap.Space, ev *Event) {
	h := c.heap
	to := 0
	s.Walk(func(off int, hdr heap.Header) bool {
		if hdr.IsFiller() {
			return true
		}
		loc := heap.Loc{Space: s.Index(), Offset: off}
		if !hdr.Marked() {
			c.release(ev, loc, hdr)
			return true
		}
		h.Slide(loc, to, hdr.Clean())
		to += hdr.Size()
		return true
	})
	s.SetTop(to)
	s.SetFreeList(nil)
}

// clearMarks unmarks every object after an abandoned trace.
func (c *Collector) clearMarks() {
	h := c.heap
	for _, s := range h.Spaces() {
		s.Walk(func(off int, hdr heap.Header) bool {
			if hdr.Marked() {
				h.SetHeader(heap.Loc{Space: s.Index(), Offset: off}, hdr.Clean().WithRemembered(hdr.Remembered()))
			}
			return true
		})
	}
}
