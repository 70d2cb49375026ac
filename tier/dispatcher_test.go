package tier

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/interp"
	"github.com/chazu/kiln/jit"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
)

type fixture struct {
	prog    *bytecode.Program
	heap    *heap.Heap
	d       *Dispatcher
	threads *threads.Manager
	thread  *threads.Thread
}

func newFixture(t *testing.T, adjust func(*config.Tiering)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.Size = 256 * config.KB
	cfg.Tiering.BackgroundCompilation = false
	if adjust != nil {
		adjust(&cfg.Tiering)
	}
	h, err := heap.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m := threads.NewManager(safepoint.NewCoordinator(time.Second), h)
	th := m.Attach("main")
	t.Cleanup(func() { m.Detach(th) })
	p := bytecode.NewProgram()
	d := New(cfg.Tiering, p, h, profile.NewTracker())
	t.Cleanup(d.Stop)
	return &fixture{prog: p, heap: h, d: d, threads: m, thread: th}
}

func (fx *fixture) add(b *bytecode.Builder) *bytecode.Unit {
	u := b.MustBuild()
	fx.prog.Add(u)
	return u
}

func (fx *fixture) call(t *testing.T, u *bytecode.Unit, args ...heap.Value) heap.Value {
	t.Helper()
	v, err := fx.d.Call(fx.thread, u.ID, args)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// affine(x) = x * 3 + 1
func affine() *bytecode.Builder {
	return bytecode.NewBuilder("affine", 1, 1).
		Load(0).PushInt(3).Emit(bytecode.OpMul).PushInt(1).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
}

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

func TestInvocationThresholds(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 10
		c.Tier2InvocationThreshold = 50
	})
	u := fx.add(affine())

	for i := 1; i <= 60; i++ {
		if v := fx.call(t, u, heap.FromInt(int64(i))); v != heap.FromInt(int64(3*i+1)) {
			t.Fatalf("affine(%d) = %s", i, v)
		}
		want := StateInterpreted
		switch {
		case i >= 50:
			want = StateTier2
		case i >= 10:
			want = StateTier1
		}
		if got := fx.d.State(u.ID); got != want {
			t.Fatalf("after %d calls state = %s, want %s", i, got, want)
		}
	}
	s := fx.d.Stats()
	if s.Compiled[jit.Tier1] != 1 || s.Compiled[jit.Tier2] != 1 {
		t.Errorf("compiled = %v", s.Compiled)
	}
}

func TestBackEdgesTriggerCompilation(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1BackEdgeThreshold = 100
		c.Tier2BackEdgeThreshold = 1000
	})
	u := fx.add(sumUnit())

	// One long-running call: no on-stack replacement, so the loop finishes
	// in the interpreter but the next call uses compiled code.
	if v := fx.call(t, u, heap.FromInt(2000)); v != heap.FromInt(1999000) {
		t.Fatalf("sum = %s", v)
	}
	if got := fx.d.State(u.ID); got != StateTier2 {
		t.Fatalf("state = %s, want tier2", got)
	}
	if v := fx.call(t, u, heap.FromInt(10)); v != heap.FromInt(45) {
		t.Errorf("compiled sum = %s", v)
	}
}

func TestTieringDisabled(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Enabled = false
		c.Tier1InvocationThreshold = 1
	})
	u := fx.add(affine())
	for i := 0; i < 100; i++ {
		fx.call(t, u, heap.FromInt(1))
	}
	if fx.d.State(u.ID) != StateInterpreted || fx.d.Stats().Requests != 0 {
		t.Error("compiled with tiering disabled")
	}
}

// A unit called 100000 times with ints reaches tier 2; a call with a float
// deoptimizes it, still returns the right answer and sends it back to the
// interpreter.
func TestDeoptimizationOnTypeChange(t *testing.T) {
	fx := newFixture(t, nil)
	u := fx.add(affine())

	for i := 0; i < 100000; i++ {
		fx.call(t, u, heap.FromInt(int64(i%1000)))
	}
	e := fx.d.Entry(u.ID)
	if e.State != StateTier2 {
		t.Fatalf("state after 100000 calls = %s", e.State)
	}

	if v := fx.call(t, u, heap.FromFloat(0.5)); v != heap.FromFloat(2.5) {
		t.Fatalf("affine(0.5) = %s, want 2.5", v)
	}
	if fx.d.State(u.ID) != StateInterpreted {
		t.Errorf("state after trap = %s", fx.d.State(u.ID))
	}
	if !e.Code.NotEntrant() {
		t.Error("trapped code still entrant")
	}
	if fx.d.Traps(u.ID) != 1 || fx.d.Stats().Deopts != 1 {
		t.Errorf("traps = %d, deopts = %d", fx.d.Traps(u.ID), fx.d.Stats().Deopts)
	}
	snap := fx.d.profile.ReadProfile(u.ID)
	if snap.TotalTraps() != 1 || snap.Decompiles != 1 {
		t.Errorf("profile traps = %d, decompiles = %d", snap.TotalTraps(), snap.Decompiles)
	}

	// The next call recompiles without the failed speculation.
	if v := fx.call(t, u, heap.FromFloat(1.5)); v != heap.FromFloat(5.5) {
		t.Errorf("affine(1.5) = %s", v)
	}
	if fx.d.State(u.ID) != StateTier2 || fx.d.Traps(u.ID) != 1 {
		t.Errorf("state = %s, traps = %d", fx.d.State(u.ID), fx.d.Traps(u.ID))
	}
	if v := fx.call(t, u, heap.FromInt(2)); v != heap.FromInt(7) {
		t.Errorf("affine(2) = %s", v)
	}
}

func TestTrapLimitDisablesTier2(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 1
		c.Tier2InvocationThreshold = 10
		c.PerUnitTrapLimit = 2
	})
	// f(x, y) = x*3 + y*5 has two independently guarded multiplications.
	u := fx.add(bytecode.NewBuilder("f", 2, 2).
		Load(0).PushInt(3).Emit(bytecode.OpMul).
		Load(1).PushInt(5).Emit(bytecode.OpMul).
		Emit(bytecode.OpAdd).Emit(bytecode.OpReturn))
	d := fx.d

	for i := 0; i < 10; i++ {
		fx.call(t, u, heap.FromInt(1), heap.FromInt(1))
	}
	if d.State(u.ID) != StateTier2 {
		t.Fatalf("state = %s", d.State(u.ID))
	}
	if v := fx.call(t, u, heap.FromFloat(0.5), heap.FromInt(1)); v != heap.FromFloat(6.5) {
		t.Fatalf("f(0.5, 1) = %s", v)
	}
	if fx.call(t, u, heap.FromInt(1), heap.FromInt(1)); d.State(u.ID) != StateTier2 {
		t.Fatalf("not recompiled after first trap: %s", d.State(u.ID))
	}
	if v := fx.call(t, u, heap.FromInt(1), heap.FromFloat(0.5)); v != heap.FromFloat(5.5) {
		t.Fatalf("f(1, 0.5) = %s", v)
	}
	if d.Traps(u.ID) != 2 || !d.state(u).noOpt.Load() {
		t.Fatalf("traps = %d, optimization still enabled", d.Traps(u.ID))
	}
	if v := fx.call(t, u, heap.FromInt(1), heap.FromInt(1)); v != heap.FromInt(8) {
		t.Fatalf("f(1, 1) = %s", v)
	}
	if d.State(u.ID) != StateTier1 {
		t.Errorf("state = %s, want tier1 once optimization is disabled", d.State(u.ID))
	}
}

func TestStaticChangeInvalidates(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 1
		c.Tier2InvocationThreshold = 2
	})
	idx := fx.heap.Statics().Define("scale")
	fx.heap.StoreStatic(fx.thread.TLAB, idx, heap.FromInt(10))
	u := fx.add(bytecode.NewBuilder("scaled", 1, 1).
		Load(0).LoadStatic(idx).Emit(bytecode.OpMul).Emit(bytecode.OpReturn))

	for i := 0; i < 3; i++ {
		fx.call(t, u, heap.FromInt(2))
	}
	e := fx.d.Entry(u.ID)
	if e.State != StateTier2 || !e.Code.DependsOn(idx) {
		t.Fatalf("entry = %s, deps %v", e.State, e.Code.Dependencies)
	}

	fx.heap.StoreStatic(fx.thread.TLAB, idx, heap.FromInt(7))
	if fx.d.State(u.ID) != StateInterpreted || !e.Code.NotEntrant() {
		t.Fatalf("state after static change = %s", fx.d.State(u.ID))
	}
	if v := fx.call(t, u, heap.FromInt(2)); v != heap.FromInt(14) {
		t.Errorf("scaled(2) = %s, want 14", v)
	}
	if fx.d.Stats().Invalidations != 1 {
		t.Errorf("invalidations = %d", fx.d.Stats().Invalidations)
	}
}

// A static stored by a callee while an optimized caller is running forces
// the caller to deoptimize when the call returns.
func TestActiveFrameDeoptimizesAfterCall(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 1
		c.Tier2InvocationThreshold = 2
	})
	idx := fx.heap.Statics().Define("k")
	fx.heap.StoreStatic(fx.thread.TLAB, idx, heap.FromInt(1))

	// setter(v): k = v
	setter := fx.add(bytecode.NewBuilder("setter", 1, 1).Load(0).StoreStatic(idx).Emit(bytecode.OpReturnNil))
	// reader(v): old := k; setter(v); return k + old
	reader := fx.add(bytecode.NewBuilder("reader", 1, 2).
		LoadStatic(idx).Store(1).
		Load(0).Call(setter.ID, 1).Emit(bytecode.OpPOP).
		LoadStatic(idx).Load(1).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn))

	// Every call stores k, so each optimized activation is invalidated by
	// its own callee.
	fx.call(t, reader, heap.FromInt(1))
	fx.call(t, reader, heap.FromInt(1))
	before := fx.d.Stats()
	if v := fx.call(t, reader, heap.FromInt(5)); v != heap.FromInt(6) {
		t.Errorf("reader(5) = %s, want 6", v)
	}
	after := fx.d.Stats()
	if after.Invalidations <= before.Invalidations || after.Deopts <= before.Deopts {
		t.Errorf("stats before %+v, after %+v", before, after)
	}
	if fx.d.State(reader.ID) != StateInterpreted {
		t.Errorf("reader state = %s", fx.d.State(reader.ID))
	}
}

func TestInstallDiscardsStaleRequest(t *testing.T) {
	fx := newFixture(t, nil)
	u := fx.add(affine())
	us := fx.d.state(u)
	stale := &Entry{State: StateTier1}

	code, err := jit.CompileTier1(u, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fx.d.install(us, stale, code) {
		t.Fatal("installed over an entry that was not the requester's")
	}
	if fx.d.State(u.ID) != StateInterpreted || fx.d.Stats().Discarded != 1 {
		t.Errorf("state = %s, discarded = %d", fx.d.State(u.ID), fx.d.Stats().Discarded)
	}
	if !fx.d.install(us, interpretedEntry, code) || fx.d.State(u.ID) != StateTier1 {
		t.Error("install from the current entry failed")
	}
}

func TestBackgroundCompilation(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.BackgroundCompilation = true
		c.Tier1InvocationThreshold = 5
		c.Tier2InvocationThreshold = 20
	})
	fx.d.Start()
	u := fx.add(affine())

	for i := 0; i < 30; i++ {
		fx.call(t, u, heap.FromInt(int64(i)))
		fx.d.Drain()
	}
	if got := fx.d.State(u.ID); got != StateTier2 {
		t.Errorf("state = %s, want tier2", got)
	}
}

func TestQueueOverflowDropsRequests(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.BackgroundCompilation = true
		c.QueueSize = 1
		c.Tier1InvocationThreshold = 1
	})
	// Pretend the workers are running without starting any, so requests
	// stay queued.
	fx.d.running.Store(true)
	defer fx.d.running.Store(false)

	a := fx.add(affine())
	b := fx.add(bytecode.NewBuilder("other", 0, 0).PushInt(1).Emit(bytecode.OpReturn))
	fx.call(t, a, heap.FromInt(1))
	fx.call(t, a, heap.FromInt(1)) // deduplicated
	fx.call(t, b)

	s := fx.d.Stats()
	if s.Requests != 2 || s.Dropped != 1 {
		t.Errorf("requests = %d, dropped = %d", s.Requests, s.Dropped)
	}
	req := <-fx.d.queue
	fx.d.compile(req)
	fx.d.finish()
	if fx.d.State(a.ID) != StateTier1 {
		t.Errorf("state = %s", fx.d.State(a.ID))
	}
}

func TestStopWhileCallersRequestCompilation(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.BackgroundCompilation = true
		c.Tier1InvocationThreshold = 2
		c.Tier2InvocationThreshold = 4
	})
	units := make([]*bytecode.Unit, 32)
	for i := range units {
		units[i] = fx.add(bytecode.NewBuilder(fmt.Sprintf("f%d", i), 1, 1).
			Load(0).PushInt(int32(i)).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn))
	}
	fx.d.Start()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := fx.threads.Attach(fmt.Sprintf("caller-%d", g))
			defer fx.threads.Detach(th)
			for round := 0; round < 10; round++ {
				for i, u := range units {
					v, err := fx.d.Call(th, u.ID, []heap.Value{heap.FromInt(1)})
					if err == nil && v != heap.FromInt(int64(i+1)) {
						err = fmt.Errorf("f%d(1) = %s", i, v)
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}
		}()
	}
	fx.d.Stop()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	drained := make(chan struct{})
	go func() {
		fx.d.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("requests left pending after Stop")
	}

	// Without workers, requests compile on the calling thread.
	late := fx.add(bytecode.NewBuilder("late", 0, 0).PushInt(7).Emit(bytecode.OpReturn))
	for i := 0; i < 3; i++ {
		fx.call(t, late)
	}
	if got := fx.d.State(late.ID); got == StateInterpreted {
		t.Errorf("state after Stop = %s, want compiled", got)
	}
}

func TestConcurrentCallers(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.BackgroundCompilation = true
		c.Tier1InvocationThreshold = 50
		c.Tier2InvocationThreshold = 500
	})
	fx.d.Start()
	u := fx.add(sumUnit())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := fx.threads.Attach("worker")
			defer fx.threads.Detach(th)
			for i := 0; i < 1000; i++ {
				v, err := fx.d.Call(th, u.ID, []heap.Value{heap.FromInt(20)})
				if err == nil && v != heap.FromInt(190) {
					err = errors.New("wrong sum " + v.String())
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	// The main thread is attached too; keep it out of the way.
	fx.thread.EnterNative()
	wg.Wait()
	fx.thread.ExitNative()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestProgramErrorsPassThrough(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 1
		c.Tier2InvocationThreshold = 2
	})
	u := fx.add(bytecode.NewBuilder("div", 2, 2).Load(0).Load(1).Emit(bytecode.OpDiv).Emit(bytecode.OpReturn))
	for i := 0; i < 3; i++ {
		fx.call(t, u, heap.FromInt(6), heap.FromInt(3))
	}
	_, err := fx.d.Call(fx.thread, u.ID, []heap.Value{heap.FromInt(1), heap.FromInt(0)})
	if !errors.Is(err, interp.ErrDivisionByZero) {
		t.Fatalf("err = %v", err)
	}
	var trap *jit.DeoptimizationTrap
	if errors.As(err, &trap) {
		t.Error("trap escaped the dispatcher")
	}
}

func TestEventsReported(t *testing.T) {
	fx := newFixture(t, func(c *config.Tiering) {
		c.Tier1InvocationThreshold = 2
		c.Tier2InvocationThreshold = 4
	})
	var kinds []string
	fx.d.OnEvent(func(e Event) { kinds = append(kinds, e.Kind.String()+":"+e.Tier.String()) })
	u := fx.add(affine())

	for i := 0; i < 4; i++ {
		fx.call(t, u, heap.FromInt(int64(i)))
	}
	fx.call(t, u, heap.FromFloat(0.5))
	fx.call(t, u, heap.FromInt(1))
	fx.d.Invalidate(u.ID, "test")

	want := []string{
		"installed:" + jit.Tier1.String(),
		"installed:" + jit.Tier2.String(),
		"deoptimized:" + jit.Tier2.String(),
		"installed:" + jit.Tier2.String(),
		"invalidated:" + jit.Tier2.String(),
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}
