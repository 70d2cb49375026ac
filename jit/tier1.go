package jit

import (
	"fmt"
	"time"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/interp"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/threads"
)

// activation1 is the state of one running tier 1 activation.
type activation1 struct {
	env *Env
	t   *threads.Thread
	f   *threads.Frame
	rec *profile.Record
	ret heap.Value
	err error
}

// step1 executes one instruction and returns the index of the next step,
// or -1 to leave the activation.
type step1 func(a *activation1) int

func (a *activation1) fail(err error) int {
	a.err = interp.Fail(a.t, a.f.Unit, a.f.PC, err)
	return -1
}

func record(tr *profile.Tracker, u *bytecode.Unit) *profile.Record {
	if tr == nil {
		return nil
	}
	if r := tr.Record(u.ID); r != nil {
		return r
	}
	return tr.Register(u)
}

// reachable returns the unit's reachable instructions in pc order and the
// index of each.
func reachable(u *bytecode.Unit) ([]bytecode.Instr, map[int]int) {
	var out []bytecode.Instr
	index := make(map[int]int)
	for in := range u.Instructions() {
		if u.Depth(in.PC) < 0 {
			continue
		}
		index[in.PC] = len(out)
		out = append(out, in)
	}
	return out, index
}

func enter(t *threads.Thread, u *bytecode.Unit, tier Tier, maxDepth int) (*threads.Frame, error) {
	if maxDepth <= 0 {
		maxDepth = interp.DefaultMaxDepth
	}
	if t.Depth() >= maxDepth {
		return nil, interp.Fail(t, u, 0, fmt.Errorf("%w: depth %d", interp.ErrStackOverflow, t.Depth()))
	}
	return t.PushFrame(threads.FrameCompiled, u, int(tier)), nil
}

// CompileTier1 produces baseline code for u.
func CompileTier1(u *bytecode.Unit, maxDepth int) (*Code, error) {
	start := time.Now()
	instrs, index := reachable(u)
	if len(instrs) == 0 {
		return nil, fmt.Errorf("%s: %w", u, bytecode.ErrFallOff)
	}

	steps := make([]step1, len(instrs))
	pcs := make([]int, len(instrs))
	for i, in := range instrs {
		pcs[i] = in.PC
		target := -1
		if in.Op.IsJump() {
			target = index[in.Target()]
		}
		steps[i] = baseline(u, in, i+1, target)
	}

	c := newCode(u, Tier1)
	c.run = func(env *Env, t *threads.Thread, args []heap.Value) (heap.Value, error) {
		f, err := enter(t, u, Tier1, maxDepth)
		if err != nil {
			return heap.Nil, err
		}
		defer t.PopFrame()
		copy(f.Locals, args)
		a := &activation1{env: env, t: t, f: f, rec: record(env.Profile, u)}
		t.Poll()
		for i := 0; i >= 0; {
			f.PC = pcs[i]
			i = steps[i](a)
		}
		return a.ret, a.err
	}
	c.CompileTime = time.Since(start)
	log.Debugf("compiled %s: %d steps in %s", c, len(steps), c.CompileTime)
	return c, nil
}

// baseline builds the step for one instruction. next is the fall-through
// step and target the jump target step.
func baseline(u *bytecode.Unit, in bytecode.Instr, next, target int) step1 {
	pc := in.PC
	switch op := in.Op; op {
	case bytecode.OpNOP:
		return func(*activation1) int { return next }
	case bytecode.OpPOP:
		return func(a *activation1) int { a.f.SP--; return next }
	case bytecode.OpDUP:
		return func(a *activation1) int { a.f.Push(a.f.Stack[a.f.SP-1]); return next }
	case bytecode.OpSWAP:
		return func(a *activation1) int {
			s, sp := a.f.Stack, a.f.SP
			s[sp-1], s[sp-2] = s[sp-2], s[sp-1]
			return next
		}

	case bytecode.OpPushNil, bytecode.OpPushTrue, bytecode.OpPushFalse,
		bytecode.OpPushInt8, bytecode.OpPushInt32, bytecode.OpPushFloat:
		k := constant(in)
		return func(a *activation1) int { a.f.Push(k); return next }

	case bytecode.OpLoadLocal:
		i := in.A
		return func(a *activation1) int { a.f.Push(a.f.Locals[i]); return next }
	case bytecode.OpStoreLocal:
		i := in.A
		return func(a *activation1) int { a.f.Locals[i] = a.f.Pop(); return next }
	case bytecode.OpLoadStatic:
		idx := in.A
		return func(a *activation1) int {
			v, err := a.env.Heap.Statics().Load(idx)
			if err != nil {
				return a.fail(err)
			}
			a.f.Push(v)
			return next
		}
	case bytecode.OpStoreStatic:
		idx := in.A
		return func(a *activation1) int {
			if err := a.env.Heap.StoreStatic(a.t.TLAB, idx, a.f.Stack[a.f.SP-1]); err != nil {
				return a.fail(err)
			}
			a.f.SP--
			return next
		}

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpLT, bytecode.OpGT, bytecode.OpLE, bytecode.OpGE, bytecode.OpEQ, bytecode.OpNE:
		return func(a *activation1) int {
			b := a.f.Pop()
			x := a.f.Pop()
			if a.rec != nil {
				if site, ok := a.rec.Sites.ValueSite(pc); ok {
					a.rec.Value(site, x.Kind())
					a.rec.Value(site, b.Kind())
				}
			}
			r, err := interp.Binary(op, x, b)
			if err != nil {
				return a.fail(err)
			}
			a.f.Push(r)
			return next
		}
	case bytecode.OpNeg:
		return func(a *activation1) int {
			x := a.f.Pop()
			if a.rec != nil {
				if site, ok := a.rec.Sites.ValueSite(pc); ok {
					a.rec.Value(site, x.Kind())
				}
			}
			r, err := interp.Negate(x)
			if err != nil {
				return a.fail(err)
			}
			a.f.Push(r)
			return next
		}

	case bytecode.OpJump:
		if in.IsBackEdge() {
			return func(a *activation1) int { a.backEdge(); return target }
		}
		return func(*activation1) int { return target }
	case bytecode.OpJumpTrue, bytecode.OpJumpFalse:
		want := op == bytecode.OpJumpTrue
		back := in.IsBackEdge()
		return func(a *activation1) int {
			taken := a.f.Pop().Truthy() == want
			if a.rec != nil {
				if site, ok := a.rec.Sites.BranchSite(pc); ok {
					a.rec.Branch(site, taken)
				}
			}
			if !taken {
				return next
			}
			if back {
				a.backEdge()
			}
			return target
		}

	case bytecode.OpCall:
		callee, argc := in.A, in.B
		return func(a *activation1) int {
			f := a.f
			args := append([]heap.Value(nil), f.Stack[f.SP-argc:f.SP]...)
			r, err := a.env.Caller.Call(a.t, callee, args)
			if err != nil {
				return a.fail(err)
			}
			f.SP -= argc
			f.Push(r)
			return next
		}

	case bytecode.OpReturn:
		return func(a *activation1) int {
			a.t.Poll()
			a.ret = a.f.Pop()
			return -1
		}
	case bytecode.OpReturnNil:
		return func(a *activation1) int {
			a.t.Poll()
			a.ret = heap.Nil
			return -1
		}

	case bytecode.OpNew, bytecode.OpNewArray:
		typeID := uint32(in.A)
		array := op == bytecode.OpNewArray
		return func(a *activation1) int {
			h := a.env.Heap
			typ := h.Types.Lookup(typeID)
			if typ == nil || typ.Array != array {
				return a.fail(fmt.Errorf("%w: %d", interp.ErrUnknownType, typeID))
			}
			n := len(typ.Fields)
			if array {
				var err error
				if n, err = interp.Index(a.f.Stack[a.f.SP-1]); err == nil && n < 0 {
					err = fmt.Errorf("%w: %d", interp.ErrNegativeLength, n)
				}
				if err != nil {
					return a.fail(err)
				}
				a.f.SP--
			}
			a.t.Poll()
			v, err := h.Allocate(a.t.TLAB, typ, n)
			if err != nil {
				return a.fail(err)
			}
			a.f.Push(v)
			return next
		}
	case bytecode.OpGetField:
		i := in.A
		return func(a *activation1) int {
			v, err := a.env.Heap.Load(a.f.Stack[a.f.SP-1], i)
			if err != nil {
				return a.fail(err)
			}
			a.f.Stack[a.f.SP-1] = v
			return next
		}
	case bytecode.OpPutField:
		i := in.A
		return func(a *activation1) int {
			f := a.f
			if err := a.env.Heap.StoreField(a.t.TLAB, f.Stack[f.SP-2], i, f.Stack[f.SP-1]); err != nil {
				return a.fail(err)
			}
			f.SP -= 2
			return next
		}
	case bytecode.OpALoad:
		return func(a *activation1) int {
			f := a.f
			v, err := interp.ALoad(a.env.Heap, f.Stack[f.SP-2], f.Stack[f.SP-1])
			if err != nil {
				return a.fail(err)
			}
			f.SP--
			f.Stack[f.SP-1] = v
			return next
		}
	case bytecode.OpAStore:
		return func(a *activation1) int {
			f := a.f
			if err := interp.AStore(a.env.Heap, a.t, f.Stack[f.SP-3], f.Stack[f.SP-2], f.Stack[f.SP-1]); err != nil {
				return a.fail(err)
			}
			f.SP -= 3
			return next
		}
	case bytecode.OpALen:
		return func(a *activation1) int {
			n, err := a.env.Heap.Length(a.f.Stack[a.f.SP-1])
			if err != nil {
				return a.fail(err)
			}
			a.f.Stack[a.f.SP-1] = heap.FromInt(int64(n))
			return next
		}
	}
	return func(a *activation1) int {
		return a.fail(fmt.Errorf("%w: %s", bytecode.ErrUnknownOpcode, in.Op))
	}
}

func (a *activation1) backEdge() {
	if a.rec != nil {
		n := a.rec.BackEdge()
		if a.env.OnBackEdge != nil {
			a.env.OnBackEdge(a.t, a.f.Unit, n)
		}
	}
	a.t.Poll()
}

// constant returns the value a push instruction pushes.
func constant(in bytecode.Instr) heap.Value {
	switch in.Op {
	case bytecode.OpPushTrue:
		return heap.True
	case bytecode.OpPushFalse:
		return heap.False
	case bytecode.OpPushInt8, bytecode.OpPushInt32:
		return heap.FromInt(int64(in.A))
	case bytecode.OpPushFloat:
		return heap.FromFloat(in.F)
	default:
		return heap.Nil
	}
}
