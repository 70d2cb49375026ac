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

// Options control the optimizing compiler.
type Options struct {
	MaxDepth int

	// Speculate enables integer guards and uncommon traps driven by the
	// profile.
	Speculate bool

	// FoldStatics turns loads of initialized statics into constants
	// guarded by a dependency.
	FoldStatics bool
}

// Register layout of a tier 2 frame:
//
//	[0, NumLocals)                     interpreter locals
//	[NumLocals, NumLocals+MaxStack)    operand stack slots
//	[NumLocals+MaxStack, ...)          reference constants, kept as roots
type activation2 struct {
	env  *Env
	t    *threads.Thread
	f    *threads.Frame
	r    []heap.Value
	code *Code
	ret  heap.Value
	err  error
}

type step2 func(a *activation2) int

type operand func(r []heap.Value) heap.Value

func (a *activation2) fail(pc int, err error) int {
	a.f.PC = pc
	a.err = interp.Fail(a.t, a.f.Unit, pc, err)
	return -1
}

func (a *activation2) value(l Location) heap.Value {
	switch l.Kind {
	case LocRegister:
		return a.r[l.Reg]
	case LocConstant:
		return l.Value
	default:
		return heap.Nil
	}
}

// deopt rebuilds the interpreter state described by sm and leaves the
// activation with a trap.
func (a *activation2) deopt(sm *StateMap, reason TrapReason) int {
	st := interp.DeoptState{
		Unit:   a.code.Unit,
		PC:     sm.PC,
		Locals: make([]heap.Value, len(sm.Locals)),
		Stack:  make([]heap.Value, len(sm.Stack)),
	}
	for i, l := range sm.Locals {
		st.Locals[i] = a.value(l)
	}
	for i, l := range sm.Stack {
		st.Stack[i] = a.value(l)
	}
	a.f.PC = sm.PC
	a.err = &DeoptimizationTrap{Code: a.code, Reason: reason, State: st}
	return -1
}

// slot is the compile-time view of an operand stack slot: either a known
// constant or the slot's own register.
type slot struct {
	konst bool
	v     heap.Value
}

type compiler2 struct {
	u       *bytecode.Unit
	snap    profile.Snapshot
	statics *heap.Statics
	opts    Options
	code    *Code
	live    liveness

	base, pool int
	stack      []slot
	steps      []step2
	index      map[int]int
	fixups     []fixup
	stored     map[int]bool
	constIdx   map[heap.Value]int
}

type fixup struct {
	pc  int
	dst *int
}

// CompileTier2 produces optimized code for u using profile snap.
func CompileTier2(u *bytecode.Unit, snap profile.Snapshot, statics *heap.Statics, opts Options) (*Code, error) {
	start := time.Now()
	c := &compiler2{
		u:        u,
		snap:     snap,
		statics:  statics,
		opts:     opts,
		code:     newCode(u, Tier2),
		live:     computeLiveness(u),
		base:     u.NumLocals,
		pool:     u.NumLocals + u.MaxStack,
		index:    make(map[int]int),
		stored:   make(map[int]bool),
		constIdx: make(map[heap.Value]int),
	}
	c.code.StateMaps = make(map[int]*StateMap)
	c.code.OopMaps = make(map[int][]int)

	instrs, _ := reachable(u)
	if len(instrs) == 0 {
		return nil, fmt.Errorf("%s: %w", u, bytecode.ErrFallOff)
	}
	leaders := make(map[int]bool)
	for _, in := range instrs {
		if in.Op == bytecode.OpStoreStatic {
			c.stored[in.A] = true
		}
		if in.Op.IsJump() {
			leaders[in.Target()] = true
		}
	}

	falls := false
	for _, in := range instrs {
		d := u.Depth(in.PC)
		if leaders[in.PC] && falls {
			c.materialize()
		}
		if leaders[in.PC] || !falls {
			c.reset(d)
		}
		c.index[in.PC] = len(c.steps)
		c.recordOopMap(in.PC)
		falls = c.instr(in)
	}
	for _, fx := range c.fixups {
		idx, ok := c.index[fx.pc]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %d", u, bytecode.ErrBadJump, fx.pc)
		}
		*fx.dst = idx
	}
	c.finishOopMaps()

	code := c.code
	code.numRegs = c.pool + len(code.Constants)
	code.allRegs = make([]int, code.numRegs)
	for i := range code.allRegs {
		code.allRegs[i] = i
	}
	steps := c.steps
	entry := c.stateMap(0, nil)
	maxDepth := opts.MaxDepth

	code.run = func(env *Env, t *threads.Thread, args []heap.Value) (heap.Value, error) {
		f, err := enter(t, u, Tier2, maxDepth)
		if err != nil {
			return heap.Nil, err
		}
		defer t.PopFrame()
		if cap(f.Regs) < code.numRegs {
			f.Regs = make([]heap.Value, code.numRegs)
		}
		f.Regs = f.Regs[:code.numRegs]
		for i := range f.Regs {
			f.Regs[i] = heap.Nil
		}
		copy(f.Regs, args)
		copy(f.Regs[c.pool:], code.Constants)
		f.Map = code

		a := &activation2{env: env, t: t, f: f, r: f.Regs, code: code}
		t.Poll()
		if code.NotEntrant() {
			a.deopt(entry, TrapInvalidated)
			return heap.Nil, a.err
		}
		for i := 0; i >= 0; {
			i = steps[i](a)
		}
		return a.ret, a.err
	}
	code.CompileTime = time.Since(start)
	log.Debugf("compiled %s: %d steps, %d deps, %d constants in %s",
		code, len(steps), len(code.Dependencies), len(code.Constants), code.CompileTime)
	return code, nil
}

func (c *compiler2) emit(s step2) { c.steps = append(c.steps, s) }

// next is the index the step being emitted falls through to.
func (c *compiler2) next() int { return len(c.steps) + 1 }

func (c *compiler2) jumpTo(pc int) *int {
	dst := new(int)
	c.fixups = append(c.fixups, fixup{pc: pc, dst: dst})
	return dst
}

func (c *compiler2) reset(depth int) {
	c.stack = c.stack[:0]
	for i := 0; i < depth; i++ {
		c.stack = append(c.stack, slot{})
	}
}

func (c *compiler2) push(s slot) { c.stack = append(c.stack, s) }

func (c *compiler2) pop() slot {
	s := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return s
}

func (c *compiler2) depth() int { return len(c.stack) }

func (c *compiler2) reg(s int) int { return c.base + s }

// operand returns an accessor for stack slot s.
func (c *compiler2) operand(s int) operand {
	sl := c.stack[s]
	if sl.konst {
		k := sl.v
		return func([]heap.Value) heap.Value { return k }
	}
	r := c.reg(s)
	return func(regs []heap.Value) heap.Value { return regs[r] }
}

// materialize moves constant stack slots into their registers so control
// can merge.
func (c *compiler2) materialize() {
	type move struct {
		reg int
		v   heap.Value
	}
	var moves []move
	for i, sl := range c.stack {
		if sl.konst {
			moves = append(moves, move{c.reg(i), sl.v})
			c.stack[i] = slot{}
		}
	}
	if len(moves) == 0 {
		return
	}
	next := c.next()
	c.emit(func(a *activation2) int {
		for _, m := range moves {
			a.r[m.reg] = m.v
		}
		return next
	})
}

func (c *compiler2) constant(v heap.Value) slot {
	if v.IsRef() {
		if _, ok := c.constIdx[v]; !ok {
			c.constIdx[v] = len(c.code.Constants)
			c.code.Constants = append(c.code.Constants, v)
		}
	}
	return slot{konst: true, v: v}
}

func (c *compiler2) stateMap(pc int, stack []slot) *StateMap {
	sm := &StateMap{PC: pc, Locals: make([]Location, c.u.NumLocals), Stack: make([]Location, len(stack))}
	live := c.live[pc]
	for i := range sm.Locals {
		if live != nil && live.has(i) {
			sm.Locals[i] = Location{Kind: LocRegister, Reg: i}
		}
	}
	for s, sl := range stack {
		if sl.konst {
			sm.Stack[s] = Location{Kind: LocConstant, Value: sl.v}
		} else {
			sm.Stack[s] = Location{Kind: LocRegister, Reg: c.reg(s)}
		}
	}
	c.code.StateMaps[pc] = sm
	return sm
}

// recordOopMap notes the registers holding values at pc: live locals,
// register-resident stack slots and the constant pool.
func (c *compiler2) recordOopMap(pc int) {
	var regs []int
	if live := c.live[pc]; live != nil {
		for i := 0; i < c.u.NumLocals; i++ {
			if live.has(i) {
				regs = append(regs, i)
			}
		}
	}
	for s, sl := range c.stack {
		if !sl.konst {
			regs = append(regs, c.reg(s))
		}
	}
	c.code.OopMaps[pc] = regs
}

// finishOopMaps appends the constant pool, whose size is only known at the
// end, to every oop map.
func (c *compiler2) finishOopMaps() {
	for pc, regs := range c.code.OopMaps {
		for k := range c.code.Constants {
			regs = append(regs, c.pool+k)
		}
		c.code.OopMaps[pc] = regs
	}
}

func (c *compiler2) speculateInt(pc int) bool {
	if !c.opts.Speculate {
		return false
	}
	vp, ok := c.snap.ValueAt(pc)
	return ok && vp.Traps == 0 && vp.Kinds == heap.KindSet(heap.KindInt)
}

func (c *compiler2) foldable(idx int) bool {
	return c.opts.FoldStatics && c.statics != nil && !c.stored[idx] && c.statics.Version(idx) > 0
}

// instr compiles one instruction and reports whether control falls through
// to the next one.
func (c *compiler2) instr(in bytecode.Instr) bool {
	pc := in.PC
	d := c.depth()

	switch op := in.Op; op {
	case bytecode.OpNOP:
	case bytecode.OpPOP:
		c.pop()
	case bytecode.OpDUP:
		top := c.stack[d-1]
		if top.konst {
			c.push(top)
			break
		}
		src, dst, next := c.reg(d-1), c.reg(d), c.next()
		c.emit(func(a *activation2) int { a.r[dst] = a.r[src]; return next })
		c.push(slot{})
	case bytecode.OpSWAP:
		x, y := c.stack[d-2], c.stack[d-1]
		if !x.konst || !y.konst {
			gx, gy := c.operand(d-2), c.operand(d-1)
			lo, hi, next := c.reg(d-2), c.reg(d-1), c.next()
			c.emit(func(a *activation2) int {
				vx, vy := gx(a.r), gy(a.r)
				if !y.konst {
					a.r[lo] = vy
				}
				if !x.konst {
					a.r[hi] = vx
				}
				return next
			})
		}
		c.stack[d-2], c.stack[d-1] = y, x

	case bytecode.OpPushNil, bytecode.OpPushTrue, bytecode.OpPushFalse,
		bytecode.OpPushInt8, bytecode.OpPushInt32, bytecode.OpPushFloat:
		c.push(c.constant(constant(in)))

	case bytecode.OpLoadLocal:
		src, dst, next := in.A, c.reg(d), c.next()
		c.emit(func(a *activation2) int { a.r[dst] = a.r[src]; return next })
		c.push(slot{})
	case bytecode.OpStoreLocal:
		g, dst, next := c.operand(d-1), in.A, c.next()
		c.emit(func(a *activation2) int { a.r[dst] = g(a.r); return next })
		c.pop()
	case bytecode.OpLoadStatic:
		idx := in.A
		if c.foldable(idx) {
			version := c.statics.Version(idx)
			v, err := c.statics.Load(idx)
			if err == nil {
				c.code.Dependencies = append(c.code.Dependencies, Dependency{Static: idx, Version: version})
				c.push(c.constant(v))
				break
			}
		}
		dst, next := c.reg(d), c.next()
		c.emit(func(a *activation2) int {
			v, err := a.env.Heap.Statics().Load(idx)
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = v
			return next
		})
		c.push(slot{})
	case bytecode.OpStoreStatic:
		idx, g, next := in.A, c.operand(d-1), c.next()
		c.emit(func(a *activation2) int {
			if err := a.env.Heap.StoreStatic(a.t.TLAB, idx, g(a.r)); err != nil {
				return a.fail(pc, err)
			}
			return next
		})
		c.pop()

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpLT, bytecode.OpGT, bytecode.OpLE, bytecode.OpGE, bytecode.OpEQ, bytecode.OpNE:
		c.binary(in)
	case bytecode.OpNeg:
		if x := c.stack[d-1]; x.konst {
			if r, err := interp.Negate(x.v); err == nil {
				c.pop()
				c.push(c.constant(r))
				break
			}
		}
		g, dst, next := c.operand(d-1), c.reg(d-1), c.next()
		c.emit(func(a *activation2) int {
			r, err := interp.Negate(g(a.r))
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = r
			return next
		})
		c.pop()
		c.push(slot{})

	case bytecode.OpJump:
		c.jump(in)
		return false
	case bytecode.OpJumpTrue, bytecode.OpJumpFalse:
		return c.branch(in)
	case bytecode.OpCall:
		c.call(in)

	case bytecode.OpReturn:
		g := c.operand(d - 1)
		c.emit(func(a *activation2) int {
			a.f.PC = pc
			a.t.Poll()
			a.ret = g(a.r)
			return -1
		})
		return false
	case bytecode.OpReturnNil:
		c.emit(func(a *activation2) int {
			a.f.PC = pc
			a.t.Poll()
			a.ret = heap.Nil
			return -1
		})
		return false

	case bytecode.OpNew, bytecode.OpNewArray:
		c.allocate(in)
	case bytecode.OpGetField:
		i, g, dst, next := in.A, c.operand(d-1), c.reg(d-1), c.next()
		c.emit(func(a *activation2) int {
			v, err := a.env.Heap.Load(g(a.r), i)
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = v
			return next
		})
		c.pop()
		c.push(slot{})
	case bytecode.OpPutField:
		i, gobj, gval, next := in.A, c.operand(d-2), c.operand(d-1), c.next()
		c.emit(func(a *activation2) int {
			if err := a.env.Heap.StoreField(a.t.TLAB, gobj(a.r), i, gval(a.r)); err != nil {
				return a.fail(pc, err)
			}
			return next
		})
		c.pop()
		c.pop()
	case bytecode.OpALoad:
		garr, gidx, dst, next := c.operand(d-2), c.operand(d-1), c.reg(d-2), c.next()
		c.emit(func(a *activation2) int {
			v, err := interp.ALoad(a.env.Heap, garr(a.r), gidx(a.r))
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = v
			return next
		})
		c.pop()
		c.pop()
		c.push(slot{})
	case bytecode.OpAStore:
		garr, gidx, gval, next := c.operand(d-3), c.operand(d-2), c.operand(d-1), c.next()
		c.emit(func(a *activation2) int {
			if err := interp.AStore(a.env.Heap, a.t, garr(a.r), gidx(a.r), gval(a.r)); err != nil {
				return a.fail(pc, err)
			}
			return next
		})
		c.pop()
		c.pop()
		c.pop()
	case bytecode.OpALen:
		g, dst, next := c.operand(d-1), c.reg(d-1), c.next()
		c.emit(func(a *activation2) int {
			n, err := a.env.Heap.Length(g(a.r))
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = heap.FromInt(int64(n))
			return next
		})
		c.pop()
		c.push(slot{})

	default:
		c.emit(func(a *activation2) int {
			return a.fail(pc, fmt.Errorf("%w: %s", bytecode.ErrUnknownOpcode, op))
		})
		return false
	}
	return true
}

func (c *compiler2) binary(in bytecode.Instr) {
	pc, op := in.PC, in.Op
	d := c.depth()
	x, y := c.stack[d-2], c.stack[d-1]
	if x.konst && y.konst {
		if r, err := interp.Binary(op, x.v, y.v); err == nil {
			c.pop()
			c.pop()
			c.push(c.constant(r))
			return
		}
	}

	gx, gy, dst, next := c.operand(d-2), c.operand(d-1), c.reg(d-2), c.next()
	nonInt := (x.konst && !x.v.IsInt()) || (y.konst && !y.v.IsInt())

	switch {
	case c.speculateInt(pc) && !nonInt && op.IsCompare():
		sm := c.stateMap(pc, c.stack)
		c.emit(func(a *activation2) int {
			vx, vy := gx(a.r), gy(a.r)
			if !vx.IsInt() || !vy.IsInt() {
				return a.deopt(sm, TrapTypeGuard)
			}
			a.r[dst] = interp.IntCompare(op, vx.Int(), vy.Int())
			return next
		})
	case c.speculateInt(pc) && !nonInt:
		sm := c.stateMap(pc, c.stack)
		c.emit(func(a *activation2) int {
			vx, vy := gx(a.r), gy(a.r)
			if !vx.IsInt() || !vy.IsInt() {
				return a.deopt(sm, TrapTypeGuard)
			}
			r, ok := interp.IntArith(op, vx.Int(), vy.Int())
			if !ok {
				_, err := interp.Arith(op, vx, vy)
				return a.fail(pc, err)
			}
			a.r[dst] = r
			return next
		})
	default:
		c.emit(func(a *activation2) int {
			r, err := interp.Binary(op, gx(a.r), gy(a.r))
			if err != nil {
				return a.fail(pc, err)
			}
			a.r[dst] = r
			return next
		})
	}
	c.pop()
	c.pop()
	c.push(slot{})
}

func (c *compiler2) jump(in bytecode.Instr) {
	c.materialize()
	pc := in.PC
	target := c.jumpTo(in.Target())
	if !in.IsBackEdge() {
		c.emit(func(*activation2) int { return *target })
		return
	}
	sm := c.stateMap(pc, c.stack)
	c.emit(func(a *activation2) int {
		a.f.PC = pc
		a.t.Poll()
		if a.code.NotEntrant() {
			return a.deopt(sm, TrapInvalidated)
		}
		return *target
	})
}

func (c *compiler2) branch(in bytecode.Instr) bool {
	pc := in.PC
	want := in.Op == bytecode.OpJumpTrue
	if cond := c.stack[c.depth()-1]; cond.konst {
		c.pop()
		if cond.v.Truthy() != want {
			return true
		}
		c.jump(bytecode.Instr{PC: pc, Op: bytecode.OpJump, A: in.A, Next: in.Next})
		return false
	}

	c.materialize()
	before := c.stateMap(pc, c.stack)
	condReg := c.reg(c.depth() - 1)
	c.pop()

	var neverTaken, alwaysTaken bool
	if bp, ok := c.snap.BranchAt(pc); ok && c.opts.Speculate && bp.Traps == 0 {
		neverTaken = bp.Taken == 0 && bp.NotTaken > 0
		alwaysTaken = bp.NotTaken == 0 && bp.Taken > 0
	}
	back := in.IsBackEdge()
	var atTarget *StateMap
	if back {
		atTarget = c.stateMap(in.Target(), c.stack)
	}
	target, next := c.jumpTo(in.Target()), c.next()

	c.emit(func(a *activation2) int {
		taken := a.r[condReg].Truthy() == want
		if (taken && neverTaken) || (!taken && alwaysTaken) {
			return a.deopt(before, TrapUnstableIf)
		}
		if !taken {
			return next
		}
		if back {
			a.f.PC = pc
			a.t.Poll()
			if a.code.NotEntrant() {
				return a.deopt(atTarget, TrapInvalidated)
			}
		}
		return *target
	})
	return true
}

func (c *compiler2) call(in bytecode.Instr) {
	pc, callee, argc := in.PC, in.A, in.B
	d := c.depth()
	args := make([]operand, argc)
	for j := range args {
		args[j] = c.operand(d - argc + j)
	}
	for j := 0; j < argc; j++ {
		c.pop()
	}
	dst := c.reg(d - argc)
	c.push(slot{})
	after := c.stateMap(in.Next, c.stack)
	next := c.next()

	c.emit(func(a *activation2) int {
		a.f.PC = pc
		vals := make([]heap.Value, argc)
		for j, g := range args {
			vals[j] = g(a.r)
		}
		r, err := a.env.Caller.Call(a.t, callee, vals)
		if err != nil {
			return a.fail(pc, err)
		}
		a.r[dst] = r
		if a.code.NotEntrant() {
			return a.deopt(after, TrapInvalidated)
		}
		return next
	})
}

func (c *compiler2) allocate(in bytecode.Instr) {
	pc := in.PC
	typeID := uint32(in.A)
	array := in.Op == bytecode.OpNewArray
	d := c.depth()
	var glen operand
	dst := c.reg(d)
	if array {
		glen = c.operand(d - 1)
		dst = c.reg(d - 1)
		c.pop()
	}
	next := c.next()
	c.emit(func(a *activation2) int {
		h := a.env.Heap
		typ := h.Types.Lookup(typeID)
		if typ == nil || typ.Array != array {
			return a.fail(pc, fmt.Errorf("%w: %d", interp.ErrUnknownType, typeID))
		}
		n := len(typ.Fields)
		if array {
			var err error
			if n, err = interp.Index(glen(a.r)); err == nil && n < 0 {
				err = fmt.Errorf("%w: %d", interp.ErrNegativeLength, n)
			}
			if err != nil {
				return a.fail(pc, err)
			}
		}
		a.f.PC = pc
		a.t.Poll()
		v, err := h.Allocate(a.t.TLAB, typ, n)
		if err != nil {
			return a.fail(pc, err)
		}
		a.r[dst] = v
		return next
	})
	c.push(slot{})
}
