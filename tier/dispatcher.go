// Package tier decides, per unit, whether calls run in the interpreter or in
// compiled code, and moves units between tiers as their profiles change.
package tier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/interp"
	"github.com/chazu/kiln/jit"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/threads"
)

var log = commonlog.GetLogger("kiln.tier")

// State is a unit's position in the tier state machine.
type State int

const (
	StateInterpreted State = iota
	StateTier1
	StateTier2
	StateDeoptimizing
)

func (s State) String() string {
	switch s {
	case StateInterpreted:
		return "interpreted"
	case StateTier1:
		return "tier1"
	case StateTier2:
		return "tier2"
	case StateDeoptimizing:
		return "deoptimizing"
	default:
		return "unknown"
	}
}

// Entry is the published way to run a unit. Entries are immutable; a unit
// changes tier by swapping its entry pointer.
type Entry struct {
	State State
	Code  *jit.Code
}

func (e *Entry) runnable() bool {
	return e.Code != nil && e.State != StateDeoptimizing
}

var interpretedEntry = &Entry{State: StateInterpreted}

type unitState struct {
	unit   *bytecode.Unit
	entry  atomic.Pointer[Entry]
	queued atomic.Bool
	traps  atomic.Int32
	noOpt  atomic.Bool // tier 2 disabled after too many traps
}

type request struct {
	us   *unitState
	tier jit.Tier
	from *Entry
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Requests      uint64
	Dropped       uint64
	Compiled      [3]uint64 // by jit.Tier
	Failed        uint64
	Discarded     uint64
	Deopts        uint64
	Invalidations uint64
	CompileTime   time.Duration
}

// Dispatcher routes calls to the installed tier of each unit.
type Dispatcher struct {
	cfg     config.Tiering
	program *bytecode.Program
	heap    *heap.Heap
	profile *profile.Tracker
	interp  *interp.Interpreter
	env     *jit.Env

	mu    sync.Mutex // serializes unit registration
	units atomic.Pointer[[]*unitState]

	queue chan request
	done  chan struct{}
	group *errgroup.Group
	// lifeMu orders Start and Stop against enqueueing requests.
	lifeMu  sync.RWMutex
	running atomic.Bool

	inflight     sync.Mutex
	inflightCond *sync.Cond
	pending      int

	requests, dropped, failed, discarded atomic.Uint64
	deopts, invalidations               atomic.Uint64
	compiled                            [3]atomic.Uint64
	compileNanos                        atomic.Int64

	obsMu     sync.RWMutex
	observers []func(Event)
}

// New creates a dispatcher. Background compilation starts with Start.
func New(cfg config.Tiering, p *bytecode.Program, h *heap.Heap, tr *profile.Tracker) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	d := &Dispatcher{
		cfg:     cfg,
		program: p,
		heap:    h,
		profile: tr,
		queue:   make(chan request, size),
	}
	d.inflightCond = sync.NewCond(&d.inflight)
	empty := []*unitState{}
	d.units.Store(&empty)

	d.interp = interp.New(p, h, tr)
	d.interp.Caller = d
	d.interp.OnBackEdge = d.onBackEdge
	d.env = &jit.Env{Heap: h, Profile: tr, Caller: d, OnBackEdge: d.onBackEdge}

	h.Statics().OnChange(d.staticChanged)
	return d
}

// Interpreter returns the tier-0 interpreter.
func (d *Dispatcher) Interpreter() *interp.Interpreter { return d.interp }

// Start launches the compiler threads.
func (d *Dispatcher) Start() {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.running.Load() || !d.cfg.BackgroundCompilation {
		return
	}
	d.running.Store(true)
	d.done = make(chan struct{})
	d.group = new(errgroup.Group)
	n := d.cfg.CompilerThreads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.group.Go(d.worker)
	}
	log.Debugf("started %d compiler threads", n)
}

// Stop shuts the compiler threads down. Queued requests are abandoned;
// later requests compile on the calling thread.
func (d *Dispatcher) Stop() {
	d.lifeMu.Lock()
	if !d.running.Load() {
		d.lifeMu.Unlock()
		return
	}
	d.running.Store(false)
	d.lifeMu.Unlock()

	close(d.done)
	d.group.Wait()
	for {
		select {
		case req := <-d.queue:
			req.us.queued.Store(false)
			d.finish()
		default:
			return
		}
	}
}

func (d *Dispatcher) worker() error {
	for {
		select {
		case req := <-d.queue:
			d.compile(req)
			d.finish()
		case <-d.done:
			return nil
		}
	}
}

// Drain waits until no compile request is queued or running.
func (d *Dispatcher) Drain() {
	d.inflight.Lock()
	for d.pending > 0 {
		d.inflightCond.Wait()
	}
	d.inflight.Unlock()
}

func (d *Dispatcher) begin() {
	d.inflight.Lock()
	d.pending++
	d.inflight.Unlock()
}

func (d *Dispatcher) finish() {
	d.inflight.Lock()
	d.pending--
	if d.pending == 0 {
		d.inflightCond.Broadcast()
	}
	d.inflight.Unlock()
}

// ---------------------------------------------------------------------------
// Units
// ---------------------------------------------------------------------------

func (d *Dispatcher) state(u *bytecode.Unit) *unitState {
	if cur := *d.units.Load(); u.ID < len(cur) && cur[u.ID] != nil {
		return cur[u.ID]
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.units.Load()
	if u.ID < len(cur) && cur[u.ID] != nil {
		return cur[u.ID]
	}
	n := len(cur)
	if u.ID >= n {
		n = u.ID + 1
	}
	next := make([]*unitState, n)
	copy(next, cur)
	us := &unitState{unit: u}
	us.entry.Store(interpretedEntry)
	next[u.ID] = us
	d.units.Store(&next)
	d.profile.Register(u)
	return us
}

func (d *Dispatcher) lookup(unitID int) *unitState {
	if cur := *d.units.Load(); unitID >= 0 && unitID < len(cur) {
		return cur[unitID]
	}
	return nil
}

// Entry returns the installed entry of a unit.
func (d *Dispatcher) Entry(unitID int) *Entry {
	if us := d.lookup(unitID); us != nil {
		return us.entry.Load()
	}
	return interpretedEntry
}

// State returns a unit's tier state.
func (d *Dispatcher) State(unitID int) State { return d.Entry(unitID).State }

// Traps returns the number of deoptimizations a unit has taken.
func (d *Dispatcher) Traps(unitID int) int {
	if us := d.lookup(unitID); us != nil {
		return int(us.traps.Load())
	}
	return 0
}

// ForEachConstant calls fn with every reference embedded in installed code.
// Callers hold a safepoint.
func (d *Dispatcher) ForEachConstant(fn func(v heap.Value)) {
	for _, us := range *d.units.Load() {
		if us == nil {
			continue
		}
		if e := us.entry.Load(); e.Code != nil {
			e.Code.ForEachConstant(fn)
		}
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Call implements interp.Caller. It counts the invocation, requests a
// compilation when a threshold is crossed and runs the installed tier.
func (d *Dispatcher) Call(t *threads.Thread, unitID int, args []heap.Value) (heap.Value, error) {
	u, err := d.program.Unit(unitID)
	if err != nil {
		return heap.Nil, err
	}
	us := d.state(u)
	n := d.profile.RecordExecution(unitID)

	e := us.entry.Load()
	if d.cfg.Enabled {
		if tier := d.wanted(us, e, n, d.profile.Record(unitID).BackEdges()); tier != jit.TierInterpreted {
			d.request(t, us, e, tier)
			e = us.entry.Load()
		}
	}
	if !e.runnable() {
		return d.interp.Execute(t, u, args)
	}

	v, err := e.Code.Run(d.env, t, args)
	if trap, ok := err.(*jit.DeoptimizationTrap); ok {
		return d.deoptimize(t, us, e, trap)
	}
	return v, err
}

func (d *Dispatcher) onBackEdge(t *threads.Thread, u *bytecode.Unit, count uint32) {
	if !d.cfg.Enabled {
		return
	}
	us := d.state(u)
	e := us.entry.Load()
	if tier := d.wanted(us, e, d.profile.Record(u.ID).Invocations(), count); tier != jit.TierInterpreted {
		d.request(t, us, e, tier)
	}
}

// wanted returns the tier a unit should be compiled at, or TierInterpreted
// if its current entry is good enough.
func (d *Dispatcher) wanted(us *unitState, e *Entry, invocations, backEdges uint32) jit.Tier {
	c := &d.cfg
	hot2 := !us.noOpt.Load() && (invocations >= c.Tier2InvocationThreshold || backEdges >= c.Tier2BackEdgeThreshold)
	hot1 := invocations >= c.Tier1InvocationThreshold || backEdges >= c.Tier1BackEdgeThreshold
	switch e.State {
	case StateInterpreted:
		if hot2 {
			return jit.Tier2
		}
		if hot1 {
			return jit.Tier1
		}
	case StateTier1:
		if hot2 {
			return jit.Tier2
		}
	}
	return jit.TierInterpreted
}

// request enqueues a compilation unless one is already pending for the unit.
// The calling thread keeps running its current tier; in batch mode it
// compiles the unit itself first.
func (d *Dispatcher) request(t *threads.Thread, us *unitState, from *Entry, tier jit.Tier) {
	if !us.queued.CompareAndSwap(false, true) {
		return
	}
	d.requests.Add(1)
	req := request{us: us, tier: tier, from: from}

	d.lifeMu.RLock()
	if !d.cfg.BackgroundCompilation || !d.running.Load() {
		d.lifeMu.RUnlock()
		t.EnterNative()
		d.compile(req)
		t.ExitNative()
		return
	}
	d.begin()
	var queued bool
	select {
	case d.queue <- req:
		queued = true
	default:
	}
	d.lifeMu.RUnlock()

	if !queued {
		us.queued.Store(false)
		d.finish()
		d.dropped.Add(1)
		log.Warningf("compile queue full, dropped %s request for %s", tier, us.unit)
		d.emit(Event{Kind: EventDropped, Unit: us.unit.ID, Name: us.unit.Name, Tier: tier, Reason: "queue full"})
	}
}

func (d *Dispatcher) compile(req request) {
	defer req.us.queued.Store(false)
	u := req.us.unit

	var code *jit.Code
	var err error
	switch req.tier {
	case jit.Tier1:
		code, err = jit.CompileTier1(u, d.interp.MaxDepth)
	case jit.Tier2:
		code, err = jit.CompileTier2(u, d.profile.ReadProfile(u.ID), d.heap.Statics(), jit.Options{
			MaxDepth:    d.interp.MaxDepth,
			Speculate:   true,
			FoldStatics: true,
		})
	default:
		return
	}
	if err != nil {
		d.failed.Add(1)
		log.Errorf("compiling %s at %s: %s", u, req.tier, err)
		return
	}
	d.compiled[req.tier].Add(1)
	d.compileNanos.Add(int64(code.CompileTime))
	d.install(req.us, req.from, code)
}

// install publishes code if the unit has not changed state since the
// compilation was requested.
func (d *Dispatcher) install(us *unitState, from *Entry, code *jit.Code) bool {
	statics := d.heap.Statics()
	if !code.Valid(statics) {
		d.discarded.Add(1)
		log.Debugf("discarded %s: dependencies changed during compilation", code)
		return false
	}
	state := StateTier1
	if code.Tier == jit.Tier2 {
		state = StateTier2
	}
	if !us.entry.CompareAndSwap(from, &Entry{State: state, Code: code}) {
		d.discarded.Add(1)
		log.Debugf("discarded %s: unit changed state during compilation", code)
		return false
	}
	// A static may have changed between the check and the swap.
	if !code.Valid(statics) {
		d.Invalidate(us.unit.ID, "dependency changed during install")
		return false
	}
	log.Debugf("installed %s", code)
	d.emit(Event{Kind: EventInstalled, Unit: us.unit.ID, Name: us.unit.Name, Tier: code.Tier})
	return true
}

// deoptimize records a trap, sends the unit back to the interpreter and
// finishes the activation there.
func (d *Dispatcher) deoptimize(t *threads.Thread, us *unitState, e *Entry, trap *jit.DeoptimizationTrap) (heap.Value, error) {
	d.deopts.Add(1)
	u := us.unit
	if trap.Reason != jit.TrapInvalidated {
		d.profile.RecordTrap(u.ID, trap.State.PC)
		if n := us.traps.Add(1); int(n) >= d.cfg.PerUnitTrapLimit && us.noOpt.CompareAndSwap(false, true) {
			log.Warningf("%s trapped %d times, not optimizing it again", u, n)
		}
		if us.entry.CompareAndSwap(e, &Entry{State: StateDeoptimizing, Code: e.Code}) {
			e.Code.MakeNotEntrant()
			d.profile.Record(u.ID).Decompile()
			us.entry.Store(interpretedEntry)
		}
	}
	log.Debugf("%s: %s", trap, u)
	d.emit(Event{Kind: EventDeoptimized, Unit: u.ID, Name: u.Name, Tier: e.Code.Tier, Reason: trap.Reason.String()})
	return d.interp.Resume(t, &trap.State)
}

// Invalidate makes a unit's installed code not entrant and returns the unit
// to the interpreter. Running optimized activations deoptimize at their next
// poll.
func (d *Dispatcher) Invalidate(unitID int, reason string) bool {
	us := d.lookup(unitID)
	if us == nil {
		return false
	}
	for {
		e := us.entry.Load()
		if !e.runnable() {
			return false
		}
		if us.entry.CompareAndSwap(e, &Entry{State: StateDeoptimizing, Code: e.Code}) {
			e.Code.MakeNotEntrant()
			d.profile.Record(unitID).Decompile()
			us.entry.Store(interpretedEntry)
			d.invalidations.Add(1)
			log.Infof("invalidated %s: %s", e.Code, reason)
			d.emit(Event{Kind: EventInvalidated, Unit: unitID, Name: us.unit.Name, Tier: e.Code.Tier, Reason: reason})
			return true
		}
	}
}

func (d *Dispatcher) staticChanged(idx int) {
	for _, us := range *d.units.Load() {
		if us == nil {
			continue
		}
		if e := us.entry.Load(); e.runnable() && e.Code.DependsOn(idx) {
			d.Invalidate(us.unit.ID, fmt.Sprintf("static %s changed", d.heap.Statics().Name(idx)))
		}
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Requests:      d.requests.Load(),
		Dropped:       d.dropped.Load(),
		Failed:        d.failed.Load(),
		Discarded:     d.discarded.Load(),
		Deopts:        d.deopts.Load(),
		Invalidations: d.invalidations.Load(),
		CompileTime:   time.Duration(d.compileNanos.Load()),
	}
	for i := range s.Compiled {
		s.Compiled[i] = d.compiled[i].Load()
	}
	return s
}
