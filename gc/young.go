package gc

import (
	"github.com/chazu/kiln/fault"
	"github.com/chazu/kiln/heap"
)

func (c *Collector) to() int {
	if c.from == heap.Survivor0Index {
		return heap.Survivor1Index
	}
	return heap.Survivor0Index
}

// promotionSafe reports whether tenured space can take every young object,
// so a young collection cannot fail half way.
func (c *Collector) promotionSafe() bool {
	h := c.heap
	old := h.OldSpace()
	need := h.Space(heap.EdenIndex).Used() + h.Space(c.from).Used()
	return old.Capacity()-old.Top() >= need
}

// collectYoung copies the live objects of eden and the from-survivor space
// into the to-survivor space, promoting objects that reached the tenuring
// threshold (or do not fit) into tenured space. Roots are the full root set
// plus the remembered old objects. Tenured space is not traced.
func (c *Collector) collectYoung(ev *Event) error {
	h := c.heap
	eden, from, to, old := h.Space(heap.EdenIndex), h.Space(c.from), h.Space(c.to()), h.OldSpace()

	if err := c.advance(ev, PhaseRootScanning); err != nil {
		return err
	}
	roots := c.rootSet()
	remembered := h.Remembered()

	if err := c.advance(ev, PhaseTracing); err != nil {
		return err
	}
	var scan []heap.Loc
	var promoted []heap.Handle
	var err error
	evacuate := func(_ int, v heap.Value) {
		if err != nil {
			return
		}
		loc, ok := h.Lookup(v.Handle())
		if !ok {
			err = fault.Corrupt("stale handle %s reached while evacuating", v)
			return
		}
		if loc.Space != eden.Index() && loc.Space != from.Index() {
			return
		}
		hdr := h.Header(loc)
		moved := hdr.Clean().WithAge(hdr.Age() + 1)
		var dst heap.Loc
		copied := false
		if moved.Age() < c.cfg.TenuringThreshold {
			dst, copied = h.Copy(loc, to, moved)
		}
		if !copied {
			if dst, copied = h.Copy(loc, old, moved); !copied {
				err = fault.Corrupt("promotion of %d words failed", hdr.Size())
				return
			}
			promoted = append(promoted, v.Handle())
		}
		scan = append(scan, dst)
	}

	for _, v := range roots {
		evacuate(0, v)
	}
	for _, hd := range remembered {
		if loc, ok := h.Lookup(hd); ok {
			h.ForEachRef(loc, evacuate)
		}
	}
	for len(scan) > 0 && err == nil {
		loc := scan[len(scan)-1]
		scan = scan[:len(scan)-1]
		h.ForEachRef(loc, evacuate)
	}
	if err != nil {
		return err
	}
	c.postTrace(ev)

	if err := c.advance(ev, PhaseSweeping); err != nil {
		return err
	}
	// Whatever still lives in eden or from-space was not reached.
	for _, s := range []*heap.Space{eden, from} {
		s.Walk(func(off int, hdr heap.Header) bool {
			if !hdr.IsFiller() {
				c.release(ev, heap.Loc{Space: s.Index(), Offset: off}, hdr)
			}
			return true
		})
		s.Reset()
	}
	c.from = to.Index()
	ev.Promoted = len(promoted)
	c.remember(append(remembered, promoted...))

	c.postSweep(ev)
	return c.advance(ev, PhaseIdle)
}
