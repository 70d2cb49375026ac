// Package gc is the garbage collector. It finds the live objects of a heap
// from its roots and reclaims the rest, by sweeping, sliding compaction or,
// for young objects, copying.
//
// Every stop-the-world phase runs inside a safepoint operation. In
// concurrent mode only the initial mark and the remark stop the world;
// thread stacks are scanned by handshakes and tracing runs alongside the
// mutators, protected by the heap's marking barrier.
package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/fault"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
)

var log = commonlog.GetLogger("kiln.gc")

// RootSource enumerates references kept alive from outside the heap.
// Collectors call it while holding a safepoint.
type RootSource interface {
	EnumerateRoots(fn func(v heap.Value))
}

// RootFunc adapts a function to RootSource.
type RootFunc func(fn func(v heap.Value))

// EnumerateRoots implements RootSource.
func (f RootFunc) EnumerateRoots(fn func(v heap.Value)) { f(fn) }

// Event describes a collection. Sizes are in words.
type Event struct {
	Cycle        uint64
	Cause        Cause
	Phase        Phase
	Kind         Kind
	LiveBefore   int
	LiveAfter    int
	Freed        int
	FreedObjects int
	Promoted     int
	Pause        time.Duration
}

// Hooks are notified at fixed points of every cycle. PreScan, PostTrace and
// PostSweep run inside the collection, usually inside a safepoint, and must
// not allocate or block. Done runs after the world has resumed and sees the
// final pause time.
type Hooks struct {
	PreScan   func(Event)
	PostTrace func(Event)
	PostSweep func(Event)
	Done      func(Event)
}

// Stats are cumulative collector counters.
type Stats struct {
	YoungCycles      uint64
	FullCycles       uint64
	ConcurrentCycles uint64
	TotalPause       time.Duration
	MaxPause         time.Duration
	FreedWords       uint64
	FreedObjects     uint64
	Promoted         uint64
}

// Collector collects one heap.
type Collector struct {
	cfg     config.GC
	heap    *heap.Heap
	coord   *safepoint.Coordinator
	threads *threads.Manager

	rootsMu sync.Mutex
	roots   []RootSource

	hooksMu sync.RWMutex
	hooks   []Hooks

	// cycleMu admits one cycle at a time.
	cycleMu sync.Mutex
	phase   phaseState
	cycles  atomic.Uint64
	from    int // survivor space young objects are evacuated from

	grayMu sync.Mutex
	gray   []heap.Value

	wake    chan struct{}
	enabled atomic.Bool
	loopMu  sync.Mutex
	stop    chan struct{}
	stopped chan struct{}

	young, full, concurrent atomic.Uint64
	totalPause, maxPause    atomic.Int64
	freedWords, freedObjs   atomic.Uint64
	promoted                atomic.Uint64
	last                    atomic.Pointer[Event]
}

// New creates a collector for h and installs it as the heap's allocation
// failure handler. Thread frames come from m.
func New(cfg config.GC, h *heap.Heap, coord *safepoint.Coordinator, m *threads.Manager) *Collector {
	c := &Collector{
		cfg:     cfg,
		heap:    h,
		coord:   coord,
		threads: m,
		from:    heap.Survivor0Index,
		wake:    make(chan struct{}, 1),
	}
	c.enabled.Store(true)
	h.SetCollector(c)
	return c
}

// AddRoots registers an additional root source.
func (c *Collector) AddRoots(src RootSource) {
	c.rootsMu.Lock()
	c.roots = append(c.roots, src)
	c.rootsMu.Unlock()
}

// AddHooks registers cycle notifications.
func (c *Collector) AddHooks(h Hooks) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, h)
	c.hooksMu.Unlock()
}

// Phase returns the current phase.
func (c *Collector) Phase() Phase { return c.phase.load() }

// LastEvent returns the most recent completed collection, or nil.
func (c *Collector) LastEvent() *Event { return c.last.Load() }

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Collect runs a collection for cause and returns when it is complete. t is
// the calling thread, or nil if the caller is not an attached thread.
func (c *Collector) Collect(t *threads.Thread, cause Cause) (Event, error) {
	var p *safepoint.Participant
	if t != nil {
		p = t.Participant
	}
	c.acquire(p)
	defer c.cycleMu.Unlock()
	return c.run(p, cause, c.kindFor(cause, heap.SpaceMain))
}

// CollectForAllocation implements heap.Collector.
func (c *Collector) CollectForAllocation(tlab *heap.TLAB, req heap.AllocationRequest) error {
	p := tlab.Participant
	c.acquire(p)
	defer c.cycleMu.Unlock()

	if !req.LastDitch && c.heap.Collections() > req.Seen {
		// Somebody else collected while we waited.
		return nil
	}
	cause := AllocationFailure
	if req.LastDitch {
		cause = LastDitch
	}
	_, err := c.run(p, cause, c.kindFor(cause, req.Space))
	return err
}

// RequestBackground implements heap.Collector. It never blocks.
func (c *Collector) RequestBackground(heap.SpaceKind) {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// acquire takes cycleMu. A running thread waits in native state so that the
// cycle it waits for can stop or handshake it.
func (c *Collector) acquire(p *safepoint.Participant) {
	if c.cycleMu.TryLock() {
		return
	}
	if p == nil || p.State() != safepoint.StateRunning {
		c.cycleMu.Lock()
		return
	}
	p.EnterNative()
	c.cycleMu.Lock()
	p.ExitNative()
}

func (c *Collector) kindFor(cause Cause, space heap.SpaceKind) Kind {
	switch {
	case c.cfg.Concurrent && (cause == OccupancyThreshold || cause == Periodic):
		return KindConcurrent
	case !c.heap.Generational() || cause.requiresFull() || space == heap.SpaceTenured:
		return KindFull
	default:
		return KindYoung
	}
}

// run performs one cycle. Callers hold cycleMu.
func (c *Collector) run(p *safepoint.Participant, cause Cause, kind Kind) (Event, error) {
	if kind == KindConcurrent {
		if p != nil && p.State() == safepoint.StateRunning {
			p.EnterNative()
			defer p.ExitNative()
		}
		return c.concurrentCycle(cause)
	}

	ev := Event{Cycle: c.cycles.Add(1), Cause: cause, Kind: kind}
	var cerr error
	err := c.coord.Run("gc: "+cause.String(), p, func(op *safepoint.Operation) {
		start := time.Now()
		cerr = c.stopTheWorld(&ev)
		ev.Pause = op.SyncTime + time.Since(start)
	})
	if err == nil && cerr != nil {
		// Safepoint timeouts were reported by the coordinator.
		fault.Fatal(cerr)
		err = cerr
	}
	if err != nil {
		c.phase.reset()
		log.Errorf("gc #%d (%s) failed: %s", ev.Cycle, cause, err)
		return ev, err
	}
	c.record(&ev)
	return ev, nil
}

func (c *Collector) stopTheWorld(ev *Event) error {
	h := c.heap
	h.RetireTLABs()
	ev.LiveBefore = c.used()
	if err := c.verify("before"); err != nil {
		return err
	}
	if ev.Kind == KindYoung && !c.promotionSafe() {
		log.Debugf("gc #%d: not enough tenured space to guarantee promotion, collecting fully", ev.Cycle)
		ev.Kind = KindFull
	}

	var err error
	if ev.Kind == KindYoung {
		err = c.collectYoung(ev)
	} else {
		err = c.collectFull(ev)
	}
	if err != nil {
		return err
	}

	h.NoteCollection(ev.Kind != KindYoung)
	ev.LiveAfter = c.used()
	return c.verify("after")
}

// advance moves to the next phase and runs the hooks tied to it.
func (c *Collector) advance(ev *Event, to Phase) error {
	if err := c.phase.advance(to); err != nil {
		return err
	}
	ev.Phase = to
	if to == PhaseRootScanning {
		c.notify(*ev, func(h Hooks) func(Event) { return h.PreScan })
	}
	return nil
}

func (c *Collector) notify(ev Event, pick func(Hooks) func(Event)) {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	for _, h := range c.hooks {
		if fn := pick(h); fn != nil {
			fn(ev)
		}
	}
}

func (c *Collector) postTrace(ev *Event) {
	c.notify(*ev, func(h Hooks) func(Event) { return h.PostTrace })
}

func (c *Collector) postSweep(ev *Event) {
	c.notify(*ev, func(h Hooks) func(Event) { return h.PostSweep })
}

func (c *Collector) verify(when string) error {
	if !c.cfg.Verify {
		return nil
	}
	if err := c.heap.Verify(); err != nil {
		log.Criticalf("heap verification %s collection failed: %s", when, err)
		return err
	}
	return nil
}

func (c *Collector) used() int {
	n := 0
	for _, s := range c.heap.Spaces() {
		n += s.Used()
	}
	return n
}

func (c *Collector) record(ev *Event) {
	switch ev.Kind {
	case KindYoung:
		c.young.Add(1)
	case KindFull:
		c.full.Add(1)
	case KindConcurrent:
		c.concurrent.Add(1)
	}
	pause := int64(ev.Pause)
	c.totalPause.Add(pause)
	for {
		cur := c.maxPause.Load()
		if pause <= cur || c.maxPause.CompareAndSwap(cur, pause) {
			break
		}
	}
	c.freedWords.Add(uint64(ev.Freed))
	c.freedObjs.Add(uint64(ev.FreedObjects))
	c.promoted.Add(uint64(ev.Promoted))
	c.last.Store(ev)

	log.Infof("gc #%d %s (%s): %d -> %d words, freed %d objects, promoted %d, pause %s",
		ev.Cycle, ev.Kind, ev.Cause, ev.LiveBefore, ev.LiveAfter, ev.FreedObjects, ev.Promoted, ev.Pause)
	c.notify(*ev, func(h Hooks) func(Event) { return h.Done })
}

// Stats returns a snapshot of the collector counters.
func (c *Collector) Stats() Stats {
	return Stats{
		YoungCycles:      c.young.Load(),
		FullCycles:       c.full.Load(),
		ConcurrentCycles: c.concurrent.Load(),
		TotalPause:       time.Duration(c.totalPause.Load()),
		MaxPause:         time.Duration(c.maxPause.Load()),
		FreedWords:       c.freedWords.Load(),
		FreedObjects:     c.freedObjs.Load(),
		Promoted:         c.promoted.Load(),
	}
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// globalRoots enumerates the roots that are not thread frames.
func (c *Collector) globalRoots(add func(heap.Value)) {
	c.heap.Statics().ForEach(func(_ int, v heap.Value) { add(v) })
	c.heap.ForEachPinned(add)
	c.rootsMu.Lock()
	srcs := append([]RootSource(nil), c.roots...)
	c.rootsMu.Unlock()
	for _, src := range srcs {
		src.EnumerateRoots(add)
	}
}

// rootSet collects every root reference. Callers hold a safepoint.
func (c *Collector) rootSet() []heap.Value {
	var out []heap.Value
	add := func(v heap.Value) {
		if v.IsRef() {
			out = append(out, v)
		}
	}
	if c.threads != nil {
		c.threads.EnumerateRoots(add)
	}
	c.globalRoots(add)
	return out
}
