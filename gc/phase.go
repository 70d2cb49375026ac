package gc

import (
	"sync/atomic"

	"github.com/chazu/kiln/fault"
)

// Phase is the collector's position in a cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRootScanning
	PhaseTracing
	PhaseRelocating
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRootScanning:
		return "root scanning"
	case PhaseTracing:
		return "tracing"
	case PhaseRelocating:
		return "relocating"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseRootScanning},
	PhaseRootScanning: {PhaseTracing},
	PhaseTracing:      {PhaseRelocating, PhaseSweeping},
	PhaseRelocating:   {PhaseSweeping},
	PhaseSweeping:     {PhaseIdle},
}

// CanTransition reports whether a cycle may move from one phase to another.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

type phaseState struct {
	v atomic.Int32
}

func (s *phaseState) load() Phase { return Phase(s.v.Load()) }

// advance moves to the next phase. An invalid transition means two cycles
// overlap or a cycle was abandoned half way; either corrupts the heap.
func (s *phaseState) advance(to Phase) error {
	for {
		from := s.load()
		if !CanTransition(from, to) {
			return fault.Corrupt("gc phase %s -> %s", from, to)
		}
		if s.v.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// reset forces the idle phase after a cycle failed.
func (s *phaseState) reset() { s.v.Store(int32(PhaseIdle)) }
