// Package interp executes bytecode units one instruction at a time. It is
// the tier every unit starts in and the tier deoptimized code resumes in.
package interp

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/threads"
)

var log = commonlog.GetLogger("kiln.interp")

var (
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrArgumentCount   = errors.New("wrong number of arguments")
	ErrUnknownType     = errors.New("unknown type")
	ErrNegativeLength  = errors.New("negative array length")
)

// DefaultMaxDepth bounds the number of frames on one thread.
const DefaultMaxDepth = 10000

// Caller performs a call from one unit to another. The tier dispatcher
// implements it so that calls made by interpreted code run at whatever tier
// the callee is installed at.
type Caller interface {
	Call(t *threads.Thread, unitID int, args []heap.Value) (heap.Value, error)
}

// DeoptState is the interpreter state reconstructed from compiled code.
type DeoptState struct {
	Unit   *bytecode.Unit
	PC     int
	Locals []heap.Value
	Stack  []heap.Value
}

// Error is a program error raised while executing a unit. It carries the
// stack trace of the thread at the failing instruction.
type Error struct {
	Unit  string
	PC    int
	Trace []threads.TraceEntry
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %d: %s", e.Unit, e.PC, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Interpreter runs units of a program against a heap.
type Interpreter struct {
	Program *bytecode.Program
	Heap    *heap.Heap
	Profile *profile.Tracker

	// Caller routes OpCall. When nil the interpreter calls itself.
	Caller Caller

	// MaxDepth bounds the frame depth; zero means DefaultMaxDepth.
	MaxDepth int

	// OnBackEdge is told about every counted back-edge so hot loops can
	// request compilation.
	OnBackEdge func(t *threads.Thread, u *bytecode.Unit, count uint32)
}

// New creates an interpreter.
func New(p *bytecode.Program, h *heap.Heap, tr *profile.Tracker) *Interpreter {
	return &Interpreter{Program: p, Heap: h, Profile: tr}
}

// Call counts an invocation of unitID and executes it. It makes the
// interpreter usable as its own Caller.
func (in *Interpreter) Call(t *threads.Thread, unitID int, args []heap.Value) (heap.Value, error) {
	u, err := in.Program.Unit(unitID)
	if err != nil {
		return heap.Nil, err
	}
	if rec := in.record(u); rec != nil {
		rec.Execution()
	}
	return in.Execute(t, u, args)
}

// Execute runs u from its first instruction. The invocation is not counted;
// that is the caller's job.
func (in *Interpreter) Execute(t *threads.Thread, u *bytecode.Unit, args []heap.Value) (heap.Value, error) {
	if len(args) != u.NumArgs {
		return heap.Nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgumentCount, u, u.NumArgs, len(args))
	}
	f, err := in.enter(t, u)
	if err != nil {
		return heap.Nil, err
	}
	defer t.PopFrame()
	copy(f.Locals, args)
	t.Poll()
	return in.run(t, f, 0)
}

// Resume continues a unit from a deoptimization point.
func (in *Interpreter) Resume(t *threads.Thread, st *DeoptState) (heap.Value, error) {
	f, err := in.enter(t, st.Unit)
	if err != nil {
		return heap.Nil, err
	}
	defer t.PopFrame()
	copy(f.Locals, st.Locals)
	for _, v := range st.Stack {
		f.Push(v)
	}
	log.Debugf("resuming %s at %d with %d stack values", st.Unit, st.PC, len(st.Stack))
	return in.run(t, f, st.PC)
}

func (in *Interpreter) enter(t *threads.Thread, u *bytecode.Unit) (*threads.Frame, error) {
	limit := in.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}
	if t.Depth() >= limit {
		return nil, Fail(t, u, 0, fmt.Errorf("%w: depth %d", ErrStackOverflow, t.Depth()))
	}
	return t.PushFrame(threads.FrameInterpreted, u, 0), nil
}

func (in *Interpreter) record(u *bytecode.Unit) *profile.Record {
	if in.Profile == nil {
		return nil
	}
	if r := in.Profile.Record(u.ID); r != nil {
		return r
	}
	return in.Profile.Register(u)
}

// Fail wraps err with the location and the thread's stack trace. Errors
// that already carry a trace pass through unchanged. Compiled code reports
// program errors through it too.
func Fail(t *threads.Thread, u *bytecode.Unit, pc int, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Unit: u.String(), PC: pc, Trace: t.StackTrace(), Err: err}
}

func (in *Interpreter) caller() Caller {
	if in.Caller != nil {
		return in.Caller
	}
	return in
}

func (in *Interpreter) run(t *threads.Thread, f *threads.Frame, pc int) (heap.Value, error) {
	u := f.Unit
	rec := in.record(u)
	h := in.Heap

	for {
		ins, err := bytecode.Decode(u.Code, pc)
		if err != nil {
			return heap.Nil, Fail(t, u, pc, err)
		}
		f.PC = pc
		next := ins.Next

		switch op := ins.Op; op {
		case bytecode.OpNOP:
		case bytecode.OpPOP:
			f.Pop()
		case bytecode.OpDUP:
			f.Push(f.Stack[f.SP-1])
		case bytecode.OpSWAP:
			f.Stack[f.SP-1], f.Stack[f.SP-2] = f.Stack[f.SP-2], f.Stack[f.SP-1]

		case bytecode.OpPushNil:
			f.Push(heap.Nil)
		case bytecode.OpPushTrue:
			f.Push(heap.True)
		case bytecode.OpPushFalse:
			f.Push(heap.False)
		case bytecode.OpPushInt8, bytecode.OpPushInt32:
			f.Push(heap.FromInt(int64(ins.A)))
		case bytecode.OpPushFloat:
			f.Push(heap.FromFloat(ins.F))

		case bytecode.OpLoadLocal:
			f.Push(f.Locals[ins.A])
		case bytecode.OpStoreLocal:
			f.Locals[ins.A] = f.Pop()
		case bytecode.OpLoadStatic:
			v, err := h.Statics().Load(ins.A)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Push(v)
		case bytecode.OpStoreStatic:
			if err := h.StoreStatic(t.TLAB, ins.A, f.Stack[f.SP-1]); err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Pop()

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpLT, bytecode.OpGT, bytecode.OpLE, bytecode.OpGE, bytecode.OpEQ, bytecode.OpNE:
			b := f.Pop()
			a := f.Pop()
			if rec != nil {
				if site, ok := rec.Sites.ValueSite(pc); ok {
					rec.Value(site, a.Kind())
					rec.Value(site, b.Kind())
				}
			}
			r, err := Binary(op, a, b)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Push(r)
		case bytecode.OpNeg:
			a := f.Pop()
			if rec != nil {
				if site, ok := rec.Sites.ValueSite(pc); ok {
					rec.Value(site, a.Kind())
				}
			}
			r, err := Negate(a)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Push(r)

		case bytecode.OpJump:
			next = ins.Target()
		case bytecode.OpJumpTrue, bytecode.OpJumpFalse:
			taken := f.Pop().Truthy() == (op == bytecode.OpJumpTrue)
			if rec != nil {
				if site, ok := rec.Sites.BranchSite(pc); ok {
					rec.Branch(site, taken)
				}
			}
			if taken {
				next = ins.Target()
			}
		case bytecode.OpCall:
			callee := ins.A
			args := append([]heap.Value(nil), f.Stack[f.SP-ins.B:f.SP]...)
			r, err := in.caller().Call(t, callee, args)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.SP -= ins.B
			f.Push(r)

		case bytecode.OpReturn:
			t.Poll()
			return f.Pop(), nil
		case bytecode.OpReturnNil:
			t.Poll()
			return heap.Nil, nil

		case bytecode.OpNew:
			typ := h.Types.Lookup(uint32(ins.A))
			if typ == nil || typ.Array {
				return heap.Nil, Fail(t, u, pc, fmt.Errorf("%w: %d", ErrUnknownType, ins.A))
			}
			t.Poll()
			v, err := h.Allocate(t.TLAB, typ, len(typ.Fields))
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Push(v)
		case bytecode.OpNewArray:
			typ := h.Types.Lookup(uint32(ins.A))
			if typ == nil || !typ.Array {
				return heap.Nil, Fail(t, u, pc, fmt.Errorf("%w: %d", ErrUnknownType, ins.A))
			}
			n, err := Index(f.Stack[f.SP-1])
			if err == nil && n < 0 {
				err = fmt.Errorf("%w: %d", ErrNegativeLength, n)
			}
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			t.Poll()
			v, err := h.Allocate(t.TLAB, typ, n)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Stack[f.SP-1] = v
		case bytecode.OpGetField:
			v, err := h.Load(f.Stack[f.SP-1], ins.A)
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Stack[f.SP-1] = v
		case bytecode.OpPutField:
			if err := h.StoreField(t.TLAB, f.Stack[f.SP-2], ins.A, f.Stack[f.SP-1]); err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.SP -= 2
		case bytecode.OpALoad:
			v, err := ALoad(h, f.Stack[f.SP-2], f.Stack[f.SP-1])
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.SP--
			f.Stack[f.SP-1] = v
		case bytecode.OpAStore:
			if err := AStore(h, t, f.Stack[f.SP-3], f.Stack[f.SP-2], f.Stack[f.SP-1]); err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.SP -= 3
		case bytecode.OpALen:
			n, err := h.Length(f.Stack[f.SP-1])
			if err != nil {
				return heap.Nil, Fail(t, u, pc, err)
			}
			f.Stack[f.SP-1] = heap.FromInt(int64(n))

		default:
			return heap.Nil, Fail(t, u, pc, fmt.Errorf("%w: %s", bytecode.ErrUnknownOpcode, op))
		}

		if ins.Op.IsJump() && next == ins.Target() && ins.IsBackEdge() {
			in.backEdge(t, u, rec)
		}
		pc = next
	}
}

func (in *Interpreter) backEdge(t *threads.Thread, u *bytecode.Unit, rec *profile.Record) {
	if rec != nil {
		n := rec.BackEdge()
		if in.OnBackEdge != nil {
			in.OnBackEdge(t, u, n)
		}
	}
	t.Poll()
}

// ALoad reads an array element with bounds and type checks.
func ALoad(h *heap.Heap, arr, idx heap.Value) (heap.Value, error) {
	i, err := Index(idx)
	if err != nil {
		return heap.Nil, err
	}
	n, err := h.Length(arr)
	if err != nil {
		return heap.Nil, err
	}
	if i < 0 || i >= n {
		return heap.Nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
	}
	return h.Load(arr, i)
}

// AStore writes an array element with bounds and type checks.
func AStore(h *heap.Heap, t *threads.Thread, arr, idx, v heap.Value) error {
	i, err := Index(idx)
	if err != nil {
		return err
	}
	n, err := h.Length(arr)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
	}
	return h.StoreElem(t.TLAB, arr, i, v)
}
