// Package jit compiles bytecode units into closure-threaded Go code.
//
// Tier 1 is a baseline compiler: it pre-decodes a unit into a chain of
// closures that operate on the interpreter's frame layout and keep
// collecting profile data. Tier 2 is an optimizing compiler: it maps the
// operand stack onto registers, folds constants and speculates on the
// profile, leaving a deoptimization trap wherever a speculation can fail.
package jit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/interp"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/threads"
)

var log = commonlog.GetLogger("kiln.jit")

// Tier identifies an execution tier.
type Tier int

const (
	TierInterpreted Tier = iota
	Tier1
	Tier2
)

func (t Tier) String() string {
	switch t {
	case TierInterpreted:
		return "interpreted"
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Env is what compiled code needs from the runtime.
type Env struct {
	Heap    *heap.Heap
	Profile *profile.Tracker
	Caller  interp.Caller

	// OnBackEdge mirrors interp.Interpreter.OnBackEdge for tier 1 code.
	OnBackEdge func(t *threads.Thread, u *bytecode.Unit, count uint32)
}

// Dependency records an assumption compiled code made about a static. The
// code is invalid once the static's version moves past Version.
type Dependency struct {
	Static  int
	Version uint64
}

// LocationKind says where a deoptimized value comes from.
type LocationKind uint8

const (
	LocDead LocationKind = iota
	LocRegister
	LocConstant
)

// Location is the compiled-code home of one interpreter slot.
type Location struct {
	Kind  LocationKind
	Reg   int
	Value heap.Value
}

func (l Location) String() string {
	switch l.Kind {
	case LocRegister:
		return fmt.Sprintf("r%d", l.Reg)
	case LocConstant:
		return "#" + l.Value.String()
	default:
		return "dead"
	}
}

// StateMap describes how to rebuild the interpreter frame at a
// deoptimization point.
type StateMap struct {
	PC     int
	Locals []Location
	Stack  []Location
}

// TrapReason says why compiled code gave up.
type TrapReason uint8

const (
	TrapTypeGuard TrapReason = iota
	TrapUnstableIf
	TrapInvalidated
)

func (r TrapReason) String() string {
	switch r {
	case TrapTypeGuard:
		return "type-guard"
	case TrapUnstableIf:
		return "unstable-if"
	case TrapInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// DeoptimizationTrap is returned by optimized code that has to continue in
// the interpreter. It never escapes the dispatcher.
type DeoptimizationTrap struct {
	Code   *Code
	Reason TrapReason
	State  interp.DeoptState
}

func (d *DeoptimizationTrap) Error() string {
	return fmt.Sprintf("deoptimize %s at %d (%s)", d.Code.Unit, d.State.PC, d.Reason)
}

var versions atomic.Uint64

// Code is a compiled unit.
type Code struct {
	Unit    *bytecode.Unit
	Tier    Tier
	Version uint64

	StateMaps    map[int]*StateMap
	OopMaps      map[int][]int
	Dependencies []Dependency
	Constants    []heap.Value

	CompileTime time.Duration

	notEntrant atomic.Bool
	numRegs    int
	allRegs    []int
	run        func(env *Env, t *threads.Thread, args []heap.Value) (heap.Value, error)
}

func newCode(u *bytecode.Unit, tier Tier) *Code {
	return &Code{Unit: u, Tier: tier, Version: versions.Add(1)}
}

func (c *Code) String() string {
	return fmt.Sprintf("%s [%s v%d]", c.Unit, c.Tier, c.Version)
}

// Run executes the code on thread t. A *DeoptimizationTrap error means the
// activation must continue in the interpreter from the trap's state.
func (c *Code) Run(env *Env, t *threads.Thread, args []heap.Value) (heap.Value, error) {
	if len(args) != c.Unit.NumArgs {
		return heap.Nil, fmt.Errorf("%w: %s takes %d, got %d", interp.ErrArgumentCount, c.Unit, c.Unit.NumArgs, len(args))
	}
	return c.run(env, t, args)
}

// MakeNotEntrant invalidates the code. Running activations of optimized
// code deoptimize at their next poll.
func (c *Code) MakeNotEntrant() bool { return c.notEntrant.CompareAndSwap(false, true) }

// NotEntrant reports whether the code was invalidated.
func (c *Code) NotEntrant() bool { return c.notEntrant.Load() }

// Valid reports whether every dependency still holds.
func (c *Code) Valid(s *heap.Statics) bool {
	if c.NotEntrant() {
		return false
	}
	for _, d := range c.Dependencies {
		if s.Version(d.Static) != d.Version {
			return false
		}
	}
	return true
}

// DependsOn reports whether the code folded static idx.
func (c *Code) DependsOn(idx int) bool {
	for _, d := range c.Dependencies {
		if d.Static == idx {
			return true
		}
	}
	return false
}

// LiveRegisters implements threads.RegisterMap.
func (c *Code) LiveRegisters(pc int) []int {
	if regs, ok := c.OopMaps[pc]; ok {
		return regs
	}
	return c.allRegs
}

// ForEachConstant calls fn with every reference embedded in the code.
func (c *Code) ForEachConstant(fn func(v heap.Value)) {
	for _, v := range c.Constants {
		if v.IsRef() {
			fn(v)
		}
	}
}
