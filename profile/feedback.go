package profile

import (
	"github.com/chazu/kiln/heap"
)

// Type feedback
//
// Like an inline cache, a value site moves through states as it sees more
// kinds: Empty -> Monomorphic -> Polymorphic -> Megamorphic. The optimizing
// compiler only speculates on monomorphic sites.

// FeedbackState classifies a value site.
type FeedbackState uint8

const (
	FeedbackEmpty       FeedbackState = iota // never executed
	FeedbackMonomorphic                      // a single kind
	FeedbackPolymorphic                      // up to MaxPolymorphicKinds kinds
	FeedbackMegamorphic                      // too many kinds to be worth guarding
)

// MaxPolymorphicKinds is the largest kind count still considered polymorphic.
const MaxPolymorphicKinds = 2

func (s FeedbackState) String() string {
	switch s {
	case FeedbackEmpty:
		return "empty"
	case FeedbackMonomorphic:
		return "monomorphic"
	case FeedbackPolymorphic:
		return "polymorphic"
	default:
		return "megamorphic"
	}
}

// Classify returns the feedback state for a set of observed kinds.
func Classify(k heap.Kinds) FeedbackState {
	switch n := k.Count(); {
	case n == 0:
		return FeedbackEmpty
	case n == 1:
		return FeedbackMonomorphic
	case n <= MaxPolymorphicKinds:
		return FeedbackPolymorphic
	default:
		return FeedbackMegamorphic
	}
}

// BranchProfile is a snapshot of one branch site.
type BranchProfile struct {
	PC       int
	Taken    uint32
	NotTaken uint32
	Traps    uint32
}

// Total returns the number of recorded outcomes.
func (b BranchProfile) Total() uint64 { return uint64(b.Taken) + uint64(b.NotTaken) }

// ValueProfile is a snapshot of one value site.
type ValueProfile struct {
	PC      int
	Kinds   heap.Kinds
	Samples uint32
	Traps   uint32
}

// State classifies the site.
func (v ValueProfile) State() FeedbackState { return Classify(v.Kinds) }

// Snapshot is a point-in-time copy of a unit's profile.
type Snapshot struct {
	UnitID      int
	Invocations uint32
	BackEdges   uint32
	Decompiles  uint32
	Branches    []BranchProfile
	Values      []ValueProfile
	OtherTraps  uint32

	sites *Sites
}

// Snapshot copies the record's counters.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		UnitID:      r.UnitID,
		Invocations: r.invocations.load(),
		BackEdges:   r.backEdges.load(),
		Decompiles:  r.decompiles.load(),
		Branches:    make([]BranchProfile, len(r.taken)),
		Values:      make([]ValueProfile, len(r.kinds)),
		OtherTraps:  r.otherTraps.load(),
		sites:       r.Sites,
	}
	for i := range r.taken {
		s.Branches[i] = BranchProfile{
			PC:       r.Sites.BranchPCs[i],
			Taken:    r.taken[i].load(),
			NotTaken: r.notTaken[i].load(),
			Traps:    r.branchTraps[i].load(),
		}
	}
	for i := range r.kinds {
		s.Values[i] = ValueProfile{
			PC:      r.Sites.ValuePCs[i],
			Kinds:   heap.Kinds(r.kinds[i].Load()),
			Samples: r.samples[i].load(),
			Traps:   r.valueTraps[i].load(),
		}
	}
	return s
}

// BranchAt returns the profile of the branch at pc.
func (s Snapshot) BranchAt(pc int) (BranchProfile, bool) {
	if s.sites == nil {
		return BranchProfile{}, false
	}
	i, ok := s.sites.BranchSite(pc)
	if !ok {
		return BranchProfile{}, false
	}
	return s.Branches[i], true
}

// ValueAt returns the profile of the value site at pc.
func (s Snapshot) ValueAt(pc int) (ValueProfile, bool) {
	if s.sites == nil {
		return ValueProfile{}, false
	}
	i, ok := s.sites.ValueSite(pc)
	if !ok {
		return ValueProfile{}, false
	}
	return s.Values[i], true
}

// TotalTraps returns the number of deoptimizations recorded for the unit.
func (s Snapshot) TotalTraps() uint32 {
	n := s.OtherTraps
	for _, b := range s.Branches {
		n += b.Traps
	}
	for _, v := range s.Values {
		n += v.Traps
	}
	return n
}
