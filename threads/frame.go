package threads

import (
	"fmt"
	"iter"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
)

// FrameKind says how a frame's references are found.
type FrameKind int

const (
	// FrameInterpreted holds tagged locals and an operand stack.
	FrameInterpreted FrameKind = iota
	// FrameCompiled is an activation of compiled code. Baseline code uses
	// the interpreted layout; optimized code keeps values in registers
	// described by a RegisterMap.
	FrameCompiled
	// FrameNative belongs to external code, which publishes the references
	// it holds as explicit handles.
	FrameNative
)

func (k FrameKind) String() string {
	switch k {
	case FrameInterpreted:
		return "interpreted"
	case FrameCompiled:
		return "compiled"
	case FrameNative:
		return "native"
	default:
		return "unknown"
	}
}

// RegisterMap reports which registers hold live references at a pc.
type RegisterMap interface {
	LiveRegisters(pc int) []int
}

// Frame is one activation record. Executing code updates PC and SP before
// every safepoint poll, call and allocation so the frame is walkable while
// the thread is stopped.
type Frame struct {
	Kind FrameKind
	Unit *bytecode.Unit
	Tier int
	Name string // native frames

	PC     int
	Locals []heap.Value
	Stack  []heap.Value
	SP     int

	Regs []heap.Value
	Map  RegisterMap

	Handles []heap.Value

	parent *Frame
}

// Parent returns the calling frame.
func (f *Frame) Parent() *Frame { return f.parent }

// Push pushes a value on the operand stack.
func (f *Frame) Push(v heap.Value) {
	f.Stack[f.SP] = v
	f.SP++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() heap.Value {
	f.SP--
	return f.Stack[f.SP]
}

// AddHandle publishes a reference held by native code.
func (f *Frame) AddHandle(v heap.Value) {
	f.Handles = append(f.Handles, v)
}

// LiveRefs enumerates the references the frame keeps alive.
func (f *Frame) LiveRefs() iter.Seq[heap.Value] {
	return func(yield func(heap.Value) bool) {
		switch {
		case f.Kind == FrameNative:
			for _, v := range f.Handles {
				if v.IsRef() && !yield(v) {
					return
				}
			}
		case f.Map != nil:
			for _, r := range f.Map.LiveRegisters(f.PC) {
				if v := f.Regs[r]; v.IsRef() && !yield(v) {
					return
				}
			}
		default:
			for _, v := range f.Locals {
				if v.IsRef() && !yield(v) {
					return
				}
			}
			for _, v := range f.Stack[:f.SP] {
				if v.IsRef() && !yield(v) {
					return
				}
			}
		}
	}
}

func (f *Frame) String() string {
	switch f.Kind {
	case FrameNative:
		return fmt.Sprintf("<native %s>", f.Name)
	case FrameCompiled:
		return fmt.Sprintf("%s @%d [tier %d]", f.Unit, f.PC, f.Tier)
	default:
		return fmt.Sprintf("%s @%d", f.Unit, f.PC)
	}
}

func (f *Frame) reset() {
	clear(f.Locals)
	clear(f.Stack)
	clear(f.Regs)
	*f = Frame{Locals: f.Locals[:0], Stack: f.Stack[:0], Regs: f.Regs[:0], Handles: f.Handles[:0]}
}
