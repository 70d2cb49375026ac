package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Statics is the table of static fields. Each slot carries a version that
// is bumped on every store, so compiled code that folded a static's value
// can be invalidated when it changes.
type Statics struct {
	mu       sync.RWMutex
	names    []string
	byName   map[string]int
	slots    []*staticSlot
	onChange atomic.Pointer[func(idx int)]
}

type staticSlot struct {
	value   atomic.Uint64
	version atomic.Uint64
}

func newStatics() *Statics {
	return &Statics{byName: make(map[string]int)}
}

// Define returns the index of the named static, creating it as Nil.
func (s *Statics) Define(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byName[name]; ok {
		return idx
	}
	slot := &staticSlot{}
	slot.value.Store(uint64(Nil))
	s.slots = append(s.slots, slot)
	s.names = append(s.names, name)
	idx := len(s.slots) - 1
	s.byName[name] = idx
	return idx
}

// Index returns the index of the named static.
func (s *Statics) Index(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byName[name]
	return idx, ok
}

// Name returns the name of static idx.
func (s *Statics) Name(idx int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.names) {
		return ""
	}
	return s.names[idx]
}

// Len returns the number of statics.
func (s *Statics) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

func (s *Statics) slot(idx int) (*staticSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrStaticIndex, idx)
	}
	return s.slots[idx], nil
}

// Load returns the value of static idx.
func (s *Statics) Load(idx int) (Value, error) {
	slot, err := s.slot(idx)
	if err != nil {
		return Nil, err
	}
	return Value(slot.value.Load()), nil
}

// Version returns the store count of static idx.
func (s *Statics) Version(idx int) uint64 {
	slot, err := s.slot(idx)
	if err != nil {
		return 0
	}
	return slot.version.Load()
}

// OnChange registers fn to run after every static store.
func (s *Statics) OnChange(fn func(idx int)) {
	s.onChange.Store(&fn)
}

// ForEach calls fn with every static's value.
func (s *Statics) ForEach(fn func(idx int, v Value)) {
	s.mu.RLock()
	slots := s.slots
	s.mu.RUnlock()
	for i, slot := range slots {
		fn(i, Value(slot.value.Load()))
	}
}

// StoreStatic writes static idx through the write barrier. Statics are roots,
// so only the marking barrier applies: both the old and the new value are
// shaded while marking is active.
func (h *Heap) StoreStatic(tlab *TLAB, idx int, v Value) error {
	slot, err := h.statics.slot(idx)
	if err != nil {
		return err
	}
	if h.marking.Load() {
		old := Value(slot.value.Load())
		if tlab != nil {
			tlab.shade(old)
			tlab.shade(v)
		} else {
			h.shadeGlobal(old)
			h.shadeGlobal(v)
		}
	}
	slot.value.Store(uint64(v))
	slot.version.Add(1)
	if fn := h.statics.onChange.Load(); fn != nil {
		(*fn)(idx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pinned global handles
// ---------------------------------------------------------------------------

// PinID identifies a pinned global reference.
type PinID uint64

type pinTable struct {
	mu   sync.Mutex
	next PinID
	refs map[PinID]Value
}

// Pin keeps v alive until Unpin is called. Pinned references are roots.
func (h *Heap) Pin(v Value) PinID {
	p := &h.pins
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == nil {
		p.refs = make(map[PinID]Value)
	}
	p.next++
	p.refs[p.next] = v
	return p.next
}

// Unpin releases a pinned reference.
func (h *Heap) Unpin(id PinID) {
	p := &h.pins
	p.mu.Lock()
	delete(p.refs, id)
	p.mu.Unlock()
}

// Pinned returns the value pinned under id.
func (h *Heap) Pinned(id PinID) (Value, bool) {
	p := &h.pins
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.refs[id]
	return v, ok
}

// ForEachPinned calls fn for every pinned reference.
func (h *Heap) ForEachPinned(fn func(v Value)) {
	p := &h.pins
	p.mu.Lock()
	refs := make([]Value, 0, len(p.refs))
	for _, v := range p.refs {
		refs = append(refs, v)
	}
	p.mu.Unlock()
	for _, v := range refs {
		fn(v)
	}
}
