package gc

import (
	"github.com/chazu/kiln/heap"
)

// collectFull marks from all roots and reclaims every space: the main or
// tenured space by compaction (moving heaps) or sweeping, and in a
// generational heap the young spaces by promoting survivors into tenured
// space, or sliding them in place when tenured space is full.
func (c *Collector) collectFull(ev *Event) error {
	h := c.heap
	if err := c.advance(ev, PhaseRootScanning); err != nil {
		return err
	}
	roots := c.rootSet()

	if err := c.advance(ev, PhaseTracing); err != nil {
		return err
	}
	if err := c.mark(roots); err != nil {
		c.clearMarks()
		return err
	}
	c.postTrace(ev)

	old := h.OldSpace()
	if h.Moving() {
		if err := c.advance(ev, PhaseRelocating); err != nil {
			return err
		}
		c.compact(old, ev)
	}
	if err := c.advance(ev, PhaseSweeping); err != nil {
		return err
	}
	if !h.Moving() {
		c.sweep(old, ev)
	}
	if h.Generational() {
		c.evacuateYoung(ev)
		c.rebuildRemembered()
	}
	c.postSweep(ev)
	return c.advance(ev, PhaseIdle)
}

// evacuateYoung moves the marked objects of eden and the from-survivor
// space. The to-survivor space stays empty.
func (c *Collector) evacuateYoung(ev *Event) {
	h := c.heap
	old := h.OldSpace()
	for _, s := range []*heap.Space{h.Space(heap.EdenIndex), h.Space(c.from)} {
		top := 0
		s.Walk(func(off int, hdr heap.Header) bool {
			if hdr.IsFiller() {
				return true
			}
			loc := heap.Loc{Space: s.Index(), Offset: off}
			if !hdr.Marked() {
				c.release(ev, loc, hdr)
				return true
			}
			if _, ok := h.Copy(loc, old, hdr.Clean()); ok {
				ev.Promoted++
				return true
			}
			h.Slide(loc, top, hdr.Clean().WithAge(hdr.Age()+1))
			top += hdr.Size()
			return true
		})
		s.SetTop(top)
		s.SetFreeList(nil)
	}
}

// rebuildRemembered recomputes the remembered set from scratch by scanning
// tenured space.
func (c *Collector) rebuildRemembered() {
	h := c.heap
	old := h.OldSpace()
	var all []heap.Handle
	old.Walk(func(off int, hdr heap.Header) bool {
		if !hdr.IsFiller() {
			all = append(all, h.HandleAt(heap.Loc{Space: old.Index(), Offset: off}))
		}
		return true
	})
	c.remember(all)
}

// remember keeps the candidates that still reference young objects in the
// remembered set and clears the remembered bit of the others.
func (c *Collector) remember(candidates []heap.Handle) {
	h := c.heap
	seen := make(map[heap.Handle]bool, len(candidates))
	var keep []heap.Handle
	for _, hd := range candidates {
		if seen[hd] {
			continue
		}
		seen[hd] = true
		loc, ok := h.Lookup(hd)
		if !ok || h.Space(loc.Space).Kind.Young() {
			continue
		}
		young := c.refersToYoung(loc)
		h.SetHeader(loc, h.Header(loc).WithRemembered(young))
		if young {
			keep = append(keep, hd)
		}
	}
	h.SetRemembered(keep)
}

func (c *Collector) refersToYoung(loc heap.Loc) bool {
	h := c.heap
	found := false
	h.ForEachRef(loc, func(_ int, v heap.Value) {
		if found {
			return
		}
		if target, ok := h.Lookup(v.Handle()); ok && h.Space(target.Space).Kind.Young() {
			found = true
		}
	})
	return found
}
