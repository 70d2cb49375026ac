// Package heap implements the managed object heap: NaN-boxed values,
// word-addressed spaces, a handle table through which all references go,
// thread-local allocation buffers and the write barriers the collector
// relies on.
//
// Objects never hand out addresses. A reference is a handle; moving an
// object only rewrites its handle-table entry, so roots and fields stay
// valid across relocation.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/config"
)

var log = commonlog.GetLogger("kiln.heap")

var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrStaleHandle   = errors.New("stale handle")
	ErrNotReference  = errors.New("not a reference")
	ErrFieldIndex    = errors.New("field index out of range")
	ErrRawField      = errors.New("raw field accessed as a value")
	ErrSizeMismatch  = errors.New("size does not match type")
	ErrTooLarge      = errors.New("object too large")
	ErrBadType       = errors.New("bad type")
	ErrStaticIndex   = errors.New("static index out of range")
	ErrNotRegistered = errors.New("tlab not registered")
)

// AllocationRequest describes an allocation that could not be satisfied.
type AllocationRequest struct {
	Space     SpaceKind
	Words     int
	Seen      uint64 // collection count observed when the allocation failed
	LastDitch bool   // a full, compacting collection is required
}

// Collector is the allocator's view of the garbage collector.
type Collector interface {
	// CollectForAllocation runs a collection on behalf of tlab's thread and
	// returns when it is complete. The thread counts as stopped while it
	// waits. A collection that another thread finished after req.Seen may
	// be skipped.
	CollectForAllocation(tlab *TLAB, req AllocationRequest) error

	// RequestBackground asks for an asynchronous collection. It must not
	// block.
	RequestBackground(space SpaceKind)
}

// Heap is the object heap.
type Heap struct {
	Types *TypeRegistry

	handles *handleTable
	spaces  []*Space

	generational bool
	moving       bool
	async        bool
	occupancy    int // initiating occupancy percent

	tlabWords   int
	largeWords  int
	handleCache int

	// mu guards TLAB refills, large allocations and the tlab set.
	mu        sync.Mutex
	tlabs     map[*TLAB]struct{}
	collector Collector

	reserveOpen  atomic.Bool
	bgRequested  atomic.Bool
	collections  atomic.Uint64
	fullCollects atomic.Uint64

	// Concurrent marking state.
	marking atomic.Bool
	satbMu  sync.Mutex
	satb    []Value

	remMu      sync.Mutex
	remembered []Handle

	statics *Statics
	pins    pinTable

	// Statistics
	allocations atomic.Uint64
	allocWords  atomic.Uint64
	refills     atomic.Uint64
	largeAllocs atomic.Uint64
	ooms        atomic.Uint64
}

// Space indexes of a generational heap.
const (
	EdenIndex      = 0
	Survivor0Index = 1
	Survivor1Index = 2
	TenuredIndex   = 3
)

// New creates a heap sized and laid out according to cfg.
func New(cfg *config.Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := cfg.Heap.Size.Words()

	h := &Heap{
		Types:        NewTypeRegistry(),
		handles:      newHandleTable(),
		generational: cfg.GC.Generational,
		moving:       cfg.GC.Moving,
		async:        cfg.GC.Trigger == config.TriggerAsync,
		occupancy:    cfg.GC.InitiatingOccupancy,
		tlabWords:    cfg.Heap.TLABSize.Words(),
		largeWords:   cfg.Heap.LargeObject.Words(),
		handleCache:  cfg.Heap.HandleCache,
		tlabs:        make(map[*TLAB]struct{}),
		statics:      newStatics(),
	}
	if h.tlabWords < headerWords {
		h.tlabWords = headerWords
	}
	if h.largeWords <= headerWords {
		h.largeWords = headerWords + 1
	}
	if h.handleCache < 1 {
		h.handleCache = 1
	}

	if h.generational {
		young := total * cfg.Heap.YoungPercent / 100
		survivor := young / (cfg.Heap.SurvivorRatio + 2)
		eden := young - 2*survivor
		h.spaces = []*Space{
			newSpace("eden", SpaceEden, EdenIndex, eden),
			newSpace("survivor-0", SpaceSurvivor, Survivor0Index, survivor),
			newSpace("survivor-1", SpaceSurvivor, Survivor1Index, survivor),
			newSpace("tenured", SpaceTenured, TenuredIndex, total-young),
		}
	} else {
		h.spaces = []*Space{newSpace("main", SpaceMain, 0, total)}
	}

	if h.async {
		s := h.AllocationSpace()
		s.reserve = s.Capacity() * cfg.Heap.ReservePercent / 100
	}

	log.Debugf("heap created: %s, generational=%t moving=%t trigger=%s",
		cfg.Heap.Size, h.generational, h.moving, cfg.GC.Trigger)
	return h, nil
}

// SetCollector installs the collector invoked by the allocation slow path.
func (h *Heap) SetCollector(c Collector) {
	h.mu.Lock()
	h.collector = c
	h.mu.Unlock()
}

// Generational reports whether the heap has young and tenured spaces.
func (h *Heap) Generational() bool { return h.generational }

// Moving reports whether full collections compact the tenured or main space.
func (h *Heap) Moving() bool { return h.moving }

// Spaces returns all spaces in index order.
func (h *Heap) Spaces() []*Space { return h.spaces }

// Space returns the space with the given index.
func (h *Heap) Space(i int) *Space { return h.spaces[i] }

// AllocationSpace returns the space TLABs are carved from.
func (h *Heap) AllocationSpace() *Space { return h.spaces[0] }

// OldSpace returns the space receiving large objects and promotions.
func (h *Heap) OldSpace() *Space {
	if h.generational {
		return h.spaces[TenuredIndex]
	}
	return h.spaces[0]
}

// Statics returns the statics table.
func (h *Heap) Statics() *Statics { return h.statics }

// Collections returns the number of completed collections.
func (h *Heap) Collections() uint64 { return h.collections.Load() }

// FullCollections returns the number of completed full collections.
func (h *Heap) FullCollections() uint64 { return h.fullCollects.Load() }

// NoteCollection records a completed collection and closes the allocation
// reserve.
func (h *Heap) NoteCollection(full bool) {
	if full {
		h.fullCollects.Add(1)
	}
	h.collections.Add(1)
	h.reserveOpen.Store(false)
	h.bgRequested.Store(false)
}

// ---------------------------------------------------------------------------
// Object access
// ---------------------------------------------------------------------------

// Resolve returns the current location of the object v references.
func (h *Heap) Resolve(v Value) (Loc, error) {
	if !v.IsRef() {
		return Loc{}, fmt.Errorf("%w: %s", ErrNotReference, v)
	}
	loc, ok := h.handles.lookup(v.Handle())
	if !ok {
		return Loc{}, fmt.Errorf("%w: %s", ErrStaleHandle, v)
	}
	return loc, nil
}

// Lookup returns the location of a handle, or false if it is stale.
func (h *Heap) Lookup(hd Handle) (Loc, bool) {
	return h.handles.lookup(hd)
}

// Valid reports whether v is a live reference.
func (h *Heap) Valid(v Value) bool {
	if !v.IsRef() {
		return false
	}
	_, ok := h.handles.lookup(v.Handle())
	return ok
}

// Header returns the header of the object at loc.
func (h *Heap) Header(loc Loc) Header {
	return h.spaces[loc.Space].header(loc.Offset)
}

// SetHeader overwrites the header of the object at loc.
func (h *Heap) SetHeader(loc Loc, hdr Header) {
	h.spaces[loc.Space].setHeader(loc.Offset, hdr)
}

// HandleAt returns the back-pointer of the object at loc.
func (h *Heap) HandleAt(loc Loc) Handle {
	return unpackHandle(h.spaces[loc.Space].load(loc.Offset + 1))
}

// TypeAt returns the type of the object at loc.
func (h *Heap) TypeAt(loc Loc) *Type {
	return h.Types.Lookup(h.Header(loc).TypeID())
}

// TypeOf returns the type of the object v references.
func (h *Heap) TypeOf(v Value) (*Type, error) {
	loc, err := h.Resolve(v)
	if err != nil {
		return nil, err
	}
	return h.TypeAt(loc), nil
}

// Length returns the number of fields or elements of the object v references.
func (h *Heap) Length(v Value) (int, error) {
	loc, err := h.Resolve(v)
	if err != nil {
		return 0, err
	}
	return h.Header(loc).Fields(), nil
}

// SizeOf returns the storage size of the object v references, in words.
func (h *Heap) SizeOf(v Value) (int, error) {
	loc, err := h.Resolve(v)
	if err != nil {
		return 0, err
	}
	return h.Header(loc).Size(), nil
}

func (h *Heap) fieldAddr(v Value, i int, want FieldKind) (*Space, int, error) {
	loc, err := h.Resolve(v)
	if err != nil {
		return nil, 0, err
	}
	s := h.spaces[loc.Space]
	hdr := s.header(loc.Offset)
	if i < 0 || i >= hdr.Fields() {
		return nil, 0, fmt.Errorf("%w: %d of %d", ErrFieldIndex, i, hdr.Fields())
	}
	t := h.Types.Lookup(hdr.TypeID())
	if t.FieldKindAt(i) != want {
		if want == FieldValue {
			return nil, 0, fmt.Errorf("%w: %s field %d", ErrRawField, t, i)
		}
		return nil, 0, fmt.Errorf("%w: %s field %d holds a value", ErrRawField, t, i)
	}
	return s, loc.Offset + headerWords + i, nil
}

// Load reads value field i of the object v references.
func (h *Heap) Load(v Value, i int) (Value, error) {
	s, addr, err := h.fieldAddr(v, i, FieldValue)
	if err != nil {
		return Nil, err
	}
	return Value(s.load(addr)), nil
}

// LoadRaw reads raw field i of the object v references.
func (h *Heap) LoadRaw(v Value, i int) (uint64, error) {
	s, addr, err := h.fieldAddr(v, i, FieldRaw)
	if err != nil {
		return 0, err
	}
	return s.load(addr), nil
}

// StoreRaw writes raw field i. Raw fields need no barrier.
func (h *Heap) StoreRaw(v Value, i int, w uint64) error {
	s, addr, err := h.fieldAddr(v, i, FieldRaw)
	if err != nil {
		return err
	}
	s.store(addr, w)
	return nil
}

// ForEachRef calls fn for every reference held in a value field of the
// object at loc.
func (h *Heap) ForEachRef(loc Loc, fn func(i int, v Value)) {
	s := h.spaces[loc.Space]
	hdr := s.header(loc.Offset)
	t := h.Types.Lookup(hdr.TypeID())
	if t == nil || !t.HasRefs() {
		return
	}
	base := loc.Offset + headerWords
	n := hdr.Fields()
	for i := 0; i < n; i++ {
		if t.FieldKindAt(i) != FieldValue {
			continue
		}
		if v := Value(s.load(base + i)); v.IsRef() {
			fn(i, v)
		}
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// SpaceStats describes one space.
type SpaceStats struct {
	Name     string
	Kind     SpaceKind
	Capacity int
	Used     int
}

// Stats holds heap statistics.
type Stats struct {
	Spaces         []SpaceStats
	Allocations    uint64
	AllocatedWords uint64
	TLABRefills    uint64
	LargeObjects   uint64
	OutOfMemory    uint64
	LiveHandles    int64
	Collections    uint64
}

// Stats returns a snapshot of heap statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	spaces := make([]SpaceStats, len(h.spaces))
	for i, s := range h.spaces {
		spaces[i] = SpaceStats{Name: s.Name, Kind: s.Kind, Capacity: s.Capacity(), Used: s.Used()}
	}
	h.mu.Unlock()

	return Stats{
		Spaces:         spaces,
		Allocations:    h.allocations.Load(),
		AllocatedWords: h.allocWords.Load(),
		TLABRefills:    h.refills.Load(),
		LargeObjects:   h.largeAllocs.Load(),
		OutOfMemory:    h.ooms.Load(),
		LiveHandles:    h.handles.live.Load(),
		Collections:    h.collections.Load(),
	}
}

// LiveHandles returns the number of valid handles.
func (h *Heap) LiveHandles() int64 { return h.handles.live.Load() }
