package interp

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
)

type fixture struct {
	prog   *bytecode.Program
	heap   *heap.Heap
	interp *Interpreter
	thread *threads.Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.Size = 256 * config.KB
	h, err := heap.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m := threads.NewManager(safepoint.NewCoordinator(time.Second), h)
	th := m.Attach("main")
	t.Cleanup(func() { m.Detach(th) })
	p := bytecode.NewProgram()
	return &fixture{prog: p, heap: h, interp: New(p, h, profile.NewTracker()), thread: th}
}

func (fx *fixture) add(t *testing.T, b *bytecode.Builder) *bytecode.Unit {
	t.Helper()
	u, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	fx.prog.Add(u)
	return u
}

// sumUnit returns 0 + 1 + ... + (n-1).
func sumUnit() *bytecode.Builder {
	b := bytecode.NewBuilder("sum", 1, 3)
	top, done := b.NewLabel(), b.NewLabel()
	b.PushInt(0).Store(1).PushInt(0).Store(2)
	b.Mark(top)
	b.Load(2).Load(0).Emit(bytecode.OpLT).Jump(bytecode.OpJumpFalse, done)
	b.Load(1).Load(2).Emit(bytecode.OpAdd).Store(1)
	b.Load(2).PushInt(1).Emit(bytecode.OpAdd).Store(2)
	b.Jump(bytecode.OpJump, top)
	b.Mark(done)
	b.Load(1).Emit(bytecode.OpReturn)
	return b
}

func TestArith(t *testing.T) {
	big := heap.FromInt(heap.MaxInt)
	tests := []struct {
		name string
		op   bytecode.Opcode
		a, b heap.Value
		want heap.Value
		err  error
	}{
		{"int add", bytecode.OpAdd, heap.FromInt(2), heap.FromInt(3), heap.FromInt(5), nil},
		{"mixed add", bytecode.OpAdd, heap.FromInt(1), heap.FromFloat(0.5), heap.FromFloat(1.5), nil},
		{"overflow widens", bytecode.OpAdd, big, heap.FromInt(1), heap.FromFloat(float64(heap.MaxInt) + 1), nil},
		{"mul overflow", bytecode.OpMul, big, heap.FromInt(4), heap.FromFloat(float64(heap.MaxInt) * 4), nil},
		{"int div", bytecode.OpDiv, heap.FromInt(7), heap.FromInt(2), heap.FromInt(3), nil},
		{"int mod", bytecode.OpMod, heap.FromInt(-7), heap.FromInt(3), heap.FromInt(-1), nil},
		{"div by zero", bytecode.OpDiv, heap.FromInt(1), heap.FromInt(0), heap.Nil, ErrDivisionByZero},
		{"float div by zero", bytecode.OpDiv, heap.FromFloat(1), heap.FromInt(0), heap.FromFloat(math.Inf(1)), nil},
		{"float mod", bytecode.OpMod, heap.FromFloat(5.5), heap.FromInt(2), heap.FromFloat(1.5), nil},
		{"nil operand", bytecode.OpSub, heap.Nil, heap.FromInt(1), heap.Nil, ErrTypeMismatch},
		{"lt", bytecode.OpLT, heap.FromInt(1), heap.FromFloat(1.5), heap.True, nil},
		{"ge", bytecode.OpGE, heap.FromInt(2), heap.FromInt(2), heap.True, nil},
		{"eq numeric", bytecode.OpEQ, heap.FromInt(2), heap.FromFloat(2), heap.True, nil},
		{"eq nil", bytecode.OpEQ, heap.Nil, heap.Nil, heap.True, nil},
		{"ne bool", bytecode.OpNE, heap.True, heap.FromInt(1), heap.True, nil},
		{"order bool", bytecode.OpLT, heap.True, heap.False, heap.Nil, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Binary(tt.op, tt.a, tt.b)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("%s %s %s = %s, want %s", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestNegate(t *testing.T) {
	if v, _ := Negate(heap.FromInt(4)); v != heap.FromInt(-4) {
		t.Errorf("Negate(4) = %s", v)
	}
	if v, _ := Negate(heap.FromInt(heap.MinInt)); !v.IsFloat() {
		t.Errorf("Negate(MinInt) = %s, want a float", v)
	}
	if _, err := Negate(heap.True); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Negate(true) err = %v", err)
	}
}

func TestLoop(t *testing.T) {
	fx := newFixture(t)
	u := fx.add(t, sumUnit())

	var hooks int
	fx.interp.OnBackEdge = func(_ *threads.Thread, got *bytecode.Unit, n uint32) {
		if got != u || n == 0 {
			t.Errorf("OnBackEdge(%s, %d)", got, n)
		}
		hooks++
	}

	v, err := fx.interp.Call(fx.thread, u.ID, []heap.Value{heap.FromInt(100)})
	if err != nil {
		t.Fatal(err)
	}
	if v != heap.FromInt(4950) {
		t.Errorf("sum(100) = %s", v)
	}
	if hooks != 100 {
		t.Errorf("back-edge hook ran %d times, want 100", hooks)
	}

	snap := fx.interp.Profile.ReadProfile(u.ID)
	if snap.Invocations != 1 || snap.BackEdges != 100 {
		t.Errorf("profile = %d invocations, %d back-edges", snap.Invocations, snap.BackEdges)
	}
	if br := snap.Branches[0]; br.Taken != 1 || br.NotTaken != 100 {
		t.Errorf("branch = %+v", br)
	}
	for _, vp := range snap.Values {
		if vp.State() != profile.FeedbackMonomorphic || !vp.Kinds.Has(heap.KindInt) {
			t.Errorf("value site %d = %s", vp.PC, vp.State())
		}
	}
	if fx.thread.Depth() != 0 {
		t.Errorf("frames left on the stack: %d", fx.thread.Depth())
	}
}

func TestRecursiveCall(t *testing.T) {
	fx := newFixture(t)
	id := fx.prog.Reserve("fib")
	b := bytecode.NewBuilder("fib", 1, 1)
	rec := b.NewLabel()
	b.Load(0).PushInt(2).Emit(bytecode.OpLT).Jump(bytecode.OpJumpFalse, rec)
	b.Load(0).Emit(bytecode.OpReturn)
	b.Mark(rec)
	b.Load(0).PushInt(1).Emit(bytecode.OpSub).Call(id, 1)
	b.Load(0).PushInt(2).Emit(bytecode.OpSub).Call(id, 1)
	b.Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	if err := fx.prog.Define(id, b.MustBuild()); err != nil {
		t.Fatal(err)
	}

	v, err := fx.interp.Call(fx.thread, id, []heap.Value{heap.FromInt(15)})
	if err != nil {
		t.Fatal(err)
	}
	if v != heap.FromInt(610) {
		t.Errorf("fib(15) = %s", v)
	}
	if n := fx.interp.Profile.ReadProfile(id).Invocations; n != 1973 {
		t.Errorf("invocations = %d, want 1973", n)
	}
}

func TestObjects(t *testing.T) {
	fx := newFixture(t)
	pair := fx.heap.Types.Register(heap.NewType("Pair", "left", "right"))
	vec := fx.heap.Types.Register(heap.NewArrayType("Vec", heap.FieldValue))

	// p = Pair{}; p.left = 3; v = Vec[4]; v[2] = p; return v[2].left + len(v)
	b := bytecode.NewBuilder("objects", 0, 2)
	b.New(pair.ID).Store(0)
	b.Load(0).PushInt(3).PutField(0)
	b.PushInt(4).NewArray(vec.ID).Store(1)
	b.Load(1).PushInt(2).Load(0).Emit(bytecode.OpAStore)
	b.Load(1).PushInt(2).Emit(bytecode.OpALoad).GetField(0)
	b.Load(1).Emit(bytecode.OpALen).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	u := fx.add(t, b)

	v, err := fx.interp.Call(fx.thread, u.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != heap.FromInt(7) {
		t.Errorf("result = %s, want 7", v)
	}
}

func TestStatics(t *testing.T) {
	fx := newFixture(t)
	idx := fx.heap.Statics().Define("counter")

	b := bytecode.NewBuilder("bump", 0, 0)
	b.LoadStatic(idx).Emit(bytecode.OpDUP).Emit(bytecode.OpPushNil).Emit(bytecode.OpEQ)
	skip := b.NewLabel()
	b.Jump(bytecode.OpJumpFalse, skip)
	b.Emit(bytecode.OpPOP).PushInt(0)
	b.Mark(skip)
	b.PushInt(1).Emit(bytecode.OpAdd).Emit(bytecode.OpDUP).StoreStatic(idx).Emit(bytecode.OpReturn)
	u := fx.add(t, b)

	for want := int64(1); want <= 3; want++ {
		v, err := fx.interp.Call(fx.thread, u.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if v != heap.FromInt(want) {
			t.Errorf("call %d returned %s", want, v)
		}
	}
	if got := fx.heap.Statics().Version(idx); got != 3 {
		t.Errorf("static version = %d, want 3", got)
	}
}

func TestErrors(t *testing.T) {
	fx := newFixture(t)
	vec := fx.heap.Types.Register(heap.NewArrayType("Vec", heap.FieldValue))

	tests := []struct {
		name  string
		build func(b *bytecode.Builder)
		want  error
	}{
		{"division", func(b *bytecode.Builder) {
			b.PushInt(1).PushInt(0).Emit(bytecode.OpDiv).Emit(bytecode.OpReturn)
		}, ErrDivisionByZero},
		{"type", func(b *bytecode.Builder) {
			b.Emit(bytecode.OpPushNil).Emit(bytecode.OpNeg).Emit(bytecode.OpReturn)
		}, ErrTypeMismatch},
		{"bounds", func(b *bytecode.Builder) {
			b.PushInt(2).NewArray(vec.ID).PushInt(2).Emit(bytecode.OpALoad).Emit(bytecode.OpReturn)
		}, ErrIndexOutOfRange},
		{"field", func(b *bytecode.Builder) {
			b.PushInt(1).NewArray(vec.ID).GetField(3).Emit(bytecode.OpReturn)
		}, heap.ErrFieldIndex},
		{"not a reference", func(b *bytecode.Builder) {
			b.PushInt(1).GetField(0).Emit(bytecode.OpReturn)
		}, heap.ErrNotReference},
		{"negative length", func(b *bytecode.Builder) {
			b.PushInt(-1).NewArray(vec.ID).Emit(bytecode.OpReturn)
		}, ErrNegativeLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bytecode.NewBuilder(tt.name, 0, 0)
			tt.build(b)
			u := fx.add(t, b)
			_, err := fx.interp.Call(fx.thread, u.ID, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var e *Error
			if !errors.As(err, &e) || e.Unit != u.String() {
				t.Errorf("error not located in %s: %v", u, err)
			}
			if fx.thread.Depth() != 0 {
				t.Errorf("frames left after error: %d", fx.thread.Depth())
			}
		})
	}
}

func TestErrorTrace(t *testing.T) {
	fx := newFixture(t)
	inner := fx.add(t, bytecode.NewBuilder("inner", 0, 0).
		PushInt(1).PushInt(0).Emit(bytecode.OpMod).Emit(bytecode.OpReturn))
	outer := fx.add(t, bytecode.NewBuilder("outer", 0, 0).
		Call(inner.ID, 0).Emit(bytecode.OpReturn))

	_, err := fx.interp.Call(fx.thread, outer.ID, nil)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v", err)
	}
	if e.Unit != inner.String() || len(e.Trace) != 2 {
		t.Fatalf("error = %+v", e)
	}
	if !strings.Contains(e.Trace[1].Unit, "outer") {
		t.Errorf("trace = %v", e.Trace)
	}
}

func TestStackOverflow(t *testing.T) {
	fx := newFixture(t)
	fx.interp.MaxDepth = 50
	id := fx.prog.Reserve("forever")
	fx.prog.Define(id, bytecode.NewBuilder("forever", 0, 0).Call(id, 0).Emit(bytecode.OpReturn).MustBuild())

	_, err := fx.interp.Call(fx.thread, id, nil)
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("err = %v", err)
	}
	if fx.thread.Depth() != 0 {
		t.Errorf("frames left: %d", fx.thread.Depth())
	}
}

func TestArgumentCount(t *testing.T) {
	fx := newFixture(t)
	u := fx.add(t, sumUnit())
	if _, err := fx.interp.Call(fx.thread, u.ID, nil); !errors.Is(err, ErrArgumentCount) {
		t.Errorf("err = %v", err)
	}
}

func TestResume(t *testing.T) {
	fx := newFixture(t)
	u := fx.add(t, sumUnit())

	// Find the loop header: the first LOAD_LOCAL 2 after the prologue.
	header := -1
	for in := range u.Instructions() {
		if in.Op == bytecode.OpLoadLocal && in.A == 2 {
			header = in.PC
			break
		}
	}
	if header < 0 || u.Depth(header) != 0 {
		t.Fatalf("header = %d", header)
	}

	// Resume halfway through sum(10): acc = 0+1+2+3+4, i = 5.
	st := &DeoptState{
		Unit:   u,
		PC:     header,
		Locals: []heap.Value{heap.FromInt(10), heap.FromInt(10), heap.FromInt(5)},
	}
	v, err := fx.interp.Resume(fx.thread, st)
	if err != nil {
		t.Fatal(err)
	}
	if v != heap.FromInt(45) {
		t.Errorf("resumed sum = %s, want 45", v)
	}
}

func BenchmarkLoop(b *testing.B) {
	cfg := config.Default()
	h, err := heap.New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	m := threads.NewManager(safepoint.NewCoordinator(time.Second), h)
	th := m.Attach("bench")
	defer m.Detach(th)
	p := bytecode.NewProgram()
	u := sumUnit().MustBuild()
	p.Add(u)
	in := New(p, h, profile.NewTracker())
	args := []heap.Value{heap.FromInt(1000)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := in.Call(th, u.ID, args); err != nil {
			b.Fatal(err)
		}
	}
}
