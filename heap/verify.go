package heap

import (
	"github.com/chazu/kiln/fault"
)

// Verify checks heap consistency: every space parses as a sequence of
// objects and fillers, every object's back-pointer names a handle that
// points back at it, every value field holding a reference resolves, and
// every live handle points at an object. Callers hold a safepoint.
//
// The first inconsistency is returned as a fault.ErrCorruptHeap error.
func (h *Heap) Verify() error {
	objects := 0
	for _, s := range h.spaces {
		if s.top > len(s.words) {
			return fault.Corrupt("%s: top %d beyond capacity %d", s.Name, s.top, len(s.words))
		}
		var err error
		end := 0
		s.Walk(func(off int, hdr Header) bool {
			end = off + hdr.Size()
			if end > s.top {
				err = fault.Corrupt("%s:%d: object of %d words overruns top %d", s.Name, off, hdr.Size(), s.top)
				return false
			}
			if hdr.IsFiller() {
				return true
			}
			objects++
			if h.Types.Lookup(hdr.TypeID()) == nil {
				err = fault.Corrupt("%s:%d: unknown type id %d", s.Name, off, hdr.TypeID())
				return false
			}
			if hdr.Size() < headerWords {
				err = fault.Corrupt("%s:%d: object size %d below header size", s.Name, off, hdr.Size())
				return false
			}
			loc := Loc{Space: s.index, Offset: off}
			hd := h.HandleAt(loc)
			if got, ok := h.handles.lookup(hd); !ok || got != loc {
				err = fault.Corrupt("%s:%d: back-pointer %d.%d does not resolve to the object", s.Name, off, hd.Index, hd.Gen)
				return false
			}
			h.ForEachRef(loc, func(i int, v Value) {
				if err == nil && !h.Valid(v) {
					err = fault.Corrupt("%s:%d field %d: dangling reference %s", s.Name, off, i, v)
				}
			})
			return err == nil
		})
		if err != nil {
			return err
		}
		if end != s.top {
			return fault.Corrupt("%s: objects end at %d, top is %d", s.Name, end, s.top)
		}
		for _, r := range s.free {
			if r.Offset+r.Words > s.top {
				return fault.Corrupt("%s: free range %d+%d beyond top", s.Name, r.Offset, r.Words)
			}
			if hdr := s.header(r.Offset); !hdr.IsFiller() || hdr.Size() != r.Words {
				return fault.Corrupt("%s: free range %d+%d not formatted", s.Name, r.Offset, r.Words)
			}
		}
	}

	handles := 0
	var err error
	h.handles.forEachLive(func(hd Handle, loc Loc) {
		handles++
		if err != nil {
			return
		}
		if loc.Space >= len(h.spaces) || loc.Offset >= h.spaces[loc.Space].top {
			err = fault.Corrupt("handle %d.%d points outside its space (%s)", hd.Index, hd.Gen, loc)
			return
		}
		if back := h.HandleAt(loc); back != hd {
			err = fault.Corrupt("handle %d.%d at %s: back-pointer is %d.%d", hd.Index, hd.Gen, loc, back.Index, back.Gen)
		}
	})
	if err != nil {
		return err
	}
	if handles != objects {
		return fault.Corrupt("%d live handles for %d objects", handles, objects)
	}
	return nil
}
