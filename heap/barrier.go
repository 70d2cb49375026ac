package heap

import "fmt"

// StoreField writes value field i of obj through the write barrier.
//
// Barrier side effects happen before the store:
//   - while concurrent marking is active the overwritten value is shaded,
//     and so is the new value if the writing thread's roots have not been
//     scanned yet;
//   - in a generational heap an old object that receives a young reference
//     joins the remembered set.
func (h *Heap) StoreField(tlab *TLAB, obj Value, i int, v Value) error {
	s, addr, err := h.fieldAddr(obj, i, FieldValue)
	if err != nil {
		return err
	}
	if h.marking.Load() {
		tlab.shade(Value(s.load(addr)))
		if !tlab.scanned.Load() {
			tlab.shade(v)
		}
	}
	if h.generational && v.IsRef() && !s.Kind.Young() {
		h.rememberIfYoung(obj, v)
	}
	s.store(addr, uint64(v))
	return nil
}

// StoreElem writes element i of an array object through the write barrier.
func (h *Heap) StoreElem(tlab *TLAB, arr Value, i int, v Value) error {
	t, err := h.TypeOf(arr)
	if err != nil {
		return err
	}
	if !t.Array {
		return fmt.Errorf("%w: %s is not an array", ErrBadType, t)
	}
	return h.StoreField(tlab, arr, i, v)
}

func (h *Heap) rememberIfYoung(obj, v Value) {
	target, ok := h.handles.lookup(v.Handle())
	if !ok || !h.spaces[target.Space].Kind.Young() {
		return
	}
	loc, _ := h.handles.lookup(obj.Handle())
	s := h.spaces[loc.Space]
	for {
		old := s.header(loc.Offset)
		if old.Remembered() {
			return
		}
		if s.casHeader(loc.Offset, old, Header(uint64(old)|hdrRemember)) {
			break
		}
	}
	h.remMu.Lock()
	h.remembered = append(h.remembered, obj.Handle())
	h.remMu.Unlock()
}

// Remembered returns the old objects that may hold young references.
func (h *Heap) Remembered() []Handle {
	h.remMu.Lock()
	defer h.remMu.Unlock()
	return append([]Handle(nil), h.remembered...)
}

// SetRemembered replaces the remembered set. Callers hold a safepoint and
// have set the remembered bit of every listed object.
func (h *Heap) SetRemembered(hs []Handle) {
	h.remMu.Lock()
	h.remembered = hs
	h.remMu.Unlock()
}

// ---------------------------------------------------------------------------
// Concurrent marking support
// ---------------------------------------------------------------------------

func (t *TLAB) shade(v Value) {
	if !v.IsRef() {
		return
	}
	t.satb = append(t.satb, v)
	if len(t.satb) >= satbFlush {
		t.flushSATB()
	}
}

func (t *TLAB) flushSATB() {
	if len(t.satb) == 0 {
		return
	}
	h := t.heap
	h.satbMu.Lock()
	h.satb = append(h.satb, t.satb...)
	h.satbMu.Unlock()
	t.satb = t.satb[:0]
}

// shadeGlobal records a value overwritten outside any thread context.
func (h *Heap) shadeGlobal(v Value) {
	if !v.IsRef() {
		return
	}
	h.satbMu.Lock()
	h.satb = append(h.satb, v)
	h.satbMu.Unlock()
}

// Marking reports whether concurrent marking is active.
func (h *Heap) Marking() bool { return h.marking.Load() }

// BeginMarking enables the marking barrier and black allocation. Every
// thread's roots count as unscanned. Callers hold a safepoint.
func (h *Heap) BeginMarking() {
	h.mu.Lock()
	for t := range h.tlabs {
		t.scanned.Store(false)
		t.satb = t.satb[:0]
	}
	h.mu.Unlock()
	h.satbMu.Lock()
	h.satb = h.satb[:0]
	h.satbMu.Unlock()
	h.marking.Store(true)
}

// EndMarking disables the marking barrier. Callers hold a safepoint.
func (h *Heap) EndMarking() {
	h.marking.Store(false)
}

// TakeShaded removes and returns the values shaded since the last call.
// Only values already flushed from thread buffers are returned unless
// flushThreads is set, which requires a safepoint.
func (h *Heap) TakeShaded(flushThreads bool) []Value {
	if flushThreads {
		for _, t := range h.TLABs() {
			t.flushSATB()
		}
	}
	h.satbMu.Lock()
	out := h.satb
	h.satb = nil
	h.satbMu.Unlock()
	return out
}
