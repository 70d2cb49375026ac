// Package profile records execution counts, branch outcomes and operand
// kinds per unit of code. The compilers read these profiles to decide
// when to compile and what to speculate on.
//
// Recording never blocks: every update is an atomic increment on a
// counter that saturates instead of wrapping. Readers get a snapshot that
// may be slightly stale or torn across counters; that only affects
// policy, never correctness.
package profile

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
)

var log = commonlog.GetLogger("kiln.profile")

// CounterLimit is the value at which counters stop counting.
const CounterLimit = 1 << 30

// counter is a saturating event counter. Concurrent increments may overshoot
// the limit by at most the number of racing threads.
type counter struct {
	v atomic.Uint32
}

func (c *counter) inc() uint32 {
	if v := c.v.Load(); v >= CounterLimit {
		return v
	}
	return c.v.Add(1)
}

func (c *counter) load() uint32 { return c.v.Load() }

// Sites maps bytecode positions to dense profile site indexes. It is
// computed once per unit and never changes.
type Sites struct {
	BranchPCs []int       // conditional jumps
	ValuePCs  []int       // arithmetic and comparison operations
	branchAt  map[int]int // pc -> index into BranchPCs
	valueAt   map[int]int // pc -> index into ValuePCs
}

// ScanSites assigns profile sites for a unit by scanning its bytecode.
func ScanSites(u *bytecode.Unit) *Sites {
	s := &Sites{branchAt: map[int]int{}, valueAt: map[int]int{}}
	for in := range u.Instructions() {
		switch {
		case in.Op.IsBranch():
			s.branchAt[in.PC] = len(s.BranchPCs)
			s.BranchPCs = append(s.BranchPCs, in.PC)
		case in.Op.IsBinary(), in.Op == bytecode.OpNeg:
			s.valueAt[in.PC] = len(s.ValuePCs)
			s.ValuePCs = append(s.ValuePCs, in.PC)
		}
	}
	return s
}

// BranchSite returns the branch site at pc.
func (s *Sites) BranchSite(pc int) (int, bool) {
	i, ok := s.branchAt[pc]
	return i, ok
}

// ValueSite returns the value site at pc.
func (s *Sites) ValueSite(pc int) (int, bool) {
	i, ok := s.valueAt[pc]
	return i, ok
}

// Record holds the profile of one unit.
type Record struct {
	UnitID int
	Sites  *Sites

	invocations counter
	backEdges   counter
	decompiles  counter

	taken    []counter
	notTaken []counter

	kinds   []atomic.Uint32 // heap.Kinds bitmask per value site
	samples []counter

	branchTraps []counter
	valueTraps  []counter
	otherTraps  counter
}

func newRecord(u *bytecode.Unit) *Record {
	s := ScanSites(u)
	return &Record{
		UnitID:      u.ID,
		Sites:       s,
		taken:       make([]counter, len(s.BranchPCs)),
		notTaken:    make([]counter, len(s.BranchPCs)),
		kinds:       make([]atomic.Uint32, len(s.ValuePCs)),
		samples:     make([]counter, len(s.ValuePCs)),
		branchTraps: make([]counter, len(s.BranchPCs)),
		valueTraps:  make([]counter, len(s.ValuePCs)),
	}
}

// Execution counts an invocation and returns the new count.
func (r *Record) Execution() uint32 { return r.invocations.inc() }

// BackEdge counts a taken backward jump and returns the new count.
func (r *Record) BackEdge() uint32 { return r.backEdges.inc() }

// Branch records the outcome of branch site.
func (r *Record) Branch(site int, taken bool) {
	if site < 0 || site >= len(r.taken) {
		return
	}
	if taken {
		r.taken[site].inc()
	} else {
		r.notTaken[site].inc()
	}
}

// Value records an operand kind observed at value site.
func (r *Record) Value(site int, k heap.Kind) {
	if site < 0 || site >= len(r.kinds) {
		return
	}
	bit := uint32(heap.KindSet(k))
	slot := &r.kinds[site]
	for {
		old := slot.Load()
		if old&bit != 0 || slot.CompareAndSwap(old, old|bit) {
			break
		}
	}
	r.samples[site].inc()
}

// Trap counts a deoptimization at pc.
func (r *Record) Trap(pc int) {
	if i, ok := r.Sites.BranchSite(pc); ok {
		r.branchTraps[i].inc()
		return
	}
	if i, ok := r.Sites.ValueSite(pc); ok {
		r.valueTraps[i].inc()
		return
	}
	r.otherTraps.inc()
}

// Decompile counts a discarded compilation.
func (r *Record) Decompile() uint32 { return r.decompiles.inc() }

// Invocations returns the invocation count.
func (r *Record) Invocations() uint32 { return r.invocations.load() }

// BackEdges returns the back-edge count.
func (r *Record) BackEdges() uint32 { return r.backEdges.load() }

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

// Tracker manages the profiles of all units.
type Tracker struct {
	mu      sync.Mutex // serializes registration
	records atomic.Pointer[[]*Record]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	empty := []*Record{}
	t.records.Store(&empty)
	return t
}

// Register creates the profile of u. Registering a unit twice returns the
// existing record.
func (t *Tracker) Register(u *bytecode.Unit) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.records.Load()
	if u.ID < len(cur) && cur[u.ID] != nil {
		return cur[u.ID]
	}
	n := len(cur)
	if u.ID >= n {
		n = u.ID + 1
	}
	grown := make([]*Record, n)
	copy(grown, cur)
	r := newRecord(u)
	grown[u.ID] = r
	t.records.Store(&grown)
	log.Debugf("profiling %s: %d branch sites, %d value sites", u, len(r.Sites.BranchPCs), len(r.Sites.ValuePCs))
	return r
}

// Record returns the profile of a unit, or nil if it was never registered.
func (t *Tracker) Record(unitID int) *Record {
	recs := *t.records.Load()
	if unitID < 0 || unitID >= len(recs) {
		return nil
	}
	return recs[unitID]
}

// RecordExecution counts an invocation of a unit.
func (t *Tracker) RecordExecution(unitID int) uint32 {
	if r := t.Record(unitID); r != nil {
		return r.Execution()
	}
	return 0
}

// RecordBackEdge counts a loop iteration of a unit.
func (t *Tracker) RecordBackEdge(unitID int) uint32 {
	if r := t.Record(unitID); r != nil {
		return r.BackEdge()
	}
	return 0
}

// RecordBranch records a branch outcome.
func (t *Tracker) RecordBranch(unitID, siteID int, taken bool) {
	if r := t.Record(unitID); r != nil {
		r.Branch(siteID, taken)
	}
}

// RecordValue records an observed operand kind.
func (t *Tracker) RecordValue(unitID, siteID int, k heap.Kind) {
	if r := t.Record(unitID); r != nil {
		r.Value(siteID, k)
	}
}

// RecordTrap records a deoptimization of a unit at pc.
func (t *Tracker) RecordTrap(unitID, pc int) {
	if r := t.Record(unitID); r != nil {
		r.Trap(pc)
	}
}

// ReadProfile returns a snapshot of a unit's profile. The zero snapshot is
// returned for unknown units.
func (t *Tracker) ReadProfile(unitID int) Snapshot {
	r := t.Record(unitID)
	if r == nil {
		return Snapshot{UnitID: unitID}
	}
	return r.Snapshot()
}

// Stats holds aggregate profiling statistics.
type Stats struct {
	Units       int
	Invocations uint64
	BackEdges   uint64
	Traps       uint64
}

// Stats returns aggregate profiling statistics.
func (t *Tracker) Stats() Stats {
	var s Stats
	for _, r := range *t.records.Load() {
		if r == nil {
			continue
		}
		s.Units++
		s.Invocations += uint64(r.invocations.load())
		s.BackEdges += uint64(r.backEdges.load())
		s.Traps += uint64(r.Snapshot().TotalTraps())
	}
	return s
}

// TopUnits returns the ids of the n most invoked units.
func (t *Tracker) TopUnits(n int) []int {
	var recs []*Record
	for _, r := range *t.records.Load() {
		if r != nil {
			recs = append(recs, r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].invocations.load() > recs[j].invocations.load()
	})
	if n > len(recs) {
		n = len(recs)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = recs[i].UnitID
	}
	return out
}
