package threads

import (
	"strings"
	"testing"
	"time"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/safepoint"
)

func newManager(t *testing.T) (*Manager, *heap.Heap) {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.Size = 256 * config.KB
	h, err := heap.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(safepoint.NewCoordinator(time.Second), h), h
}

func unit(name string, locals int) *bytecode.Unit {
	b := bytecode.NewBuilder(name, 0, locals)
	b.PushInt(1).PushInt(2).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	u := b.MustBuild()
	bytecode.NewProgram().Add(u)
	return u
}

type fixedMap []int

func (m fixedMap) LiveRegisters(int) []int { return m }

func collect(seq func(func(heap.Value) bool)) []heap.Value {
	var out []heap.Value
	seq(func(v heap.Value) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestWalkAndLiveRefs(t *testing.T) {
	m, h := newManager(t)
	th := m.Attach("main")
	defer m.Detach(th)

	cell := h.Types.Register(heap.NewType("Cell", "v"))
	a, _ := h.Allocate(th.TLAB, cell, 1)
	b, _ := h.Allocate(th.TLAB, cell, 1)
	c, _ := h.Allocate(th.TLAB, cell, 1)
	d, _ := h.Allocate(th.TLAB, cell, 1)

	outer := th.PushFrame(FrameInterpreted, unit("outer", 2), 0)
	outer.Locals[0] = a
	outer.Locals[1] = heap.FromInt(5)
	outer.Push(b)
	outer.Push(heap.FromInt(1))

	inner := th.PushFrame(FrameCompiled, unit("inner", 0), 2)
	inner.Regs = []heap.Value{c, heap.FromInt(3), d}
	inner.Map = fixedMap{0} // d is dead at this pc

	native := th.PushNative("io")
	native.AddHandle(d)

	var kinds []FrameKind
	for f := range th.Walk() {
		kinds = append(kinds, f.Kind)
	}
	if len(kinds) != 3 || kinds[0] != FrameNative || kinds[2] != FrameInterpreted {
		t.Fatalf("walk order = %v", kinds)
	}

	refs := collect(th.LiveRefs())
	want := []heap.Value{d, c, a, b}
	if len(refs) != len(want) {
		t.Fatalf("LiveRefs = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d = %s, want %s", i, refs[i], want[i])
		}
	}

	var roots int
	m.EnumerateRoots(func(heap.Value) { roots++ })
	if roots != 4 {
		t.Errorf("EnumerateRoots found %d refs, want 4", roots)
	}

	th.PopFrame()
	th.PopFrame()
	th.PopFrame()
	if th.Depth() != 0 || th.Top() != nil {
		t.Errorf("depth after pops = %d", th.Depth())
	}
}

func TestWalkStopsEarly(t *testing.T) {
	m, _ := newManager(t)
	th := m.Attach("main")
	defer m.Detach(th)
	for i := 0; i < 5; i++ {
		th.PushFrame(FrameInterpreted, unit("f", 0), 0)
	}
	n := 0
	for range th.Walk() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("visited %d frames", n)
	}
	for th.Depth() > 0 {
		th.PopFrame()
	}
}

func TestStackTrace(t *testing.T) {
	m, _ := newManager(t)
	th := m.Attach("worker")
	defer m.Detach(th)

	f := th.PushFrame(FrameInterpreted, unit("main", 0), 0)
	f.PC = 4
	th.PushFrame(FrameCompiled, unit("hot", 0), 2).PC = 2
	th.PushNative("read")

	trace := th.FormatStackTrace()
	for _, want := range []string{`thread "worker"`, "<native read>", "hot#0 (pc 2, tier 2)", "main#0 (pc 4)"} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace missing %q:\n%s", want, trace)
		}
	}
	for th.Depth() > 0 {
		th.PopFrame()
	}
}

func TestFramesAreReused(t *testing.T) {
	m, _ := newManager(t)
	th := m.Attach("main")
	defer m.Detach(th)

	u := unit("f", 3)
	f := th.PushFrame(FrameInterpreted, u, 0)
	f.Locals[2] = heap.FromInt(7)
	th.PopFrame()

	g := th.PushFrame(FrameInterpreted, u, 0)
	if g != f {
		t.Error("popped frame was not reused")
	}
	if g.Locals[2] != heap.Nil || g.SP != 0 {
		t.Errorf("reused frame not cleared: locals=%v sp=%d", g.Locals, g.SP)
	}
	th.PopFrame()
}

func TestAttachDetach(t *testing.T) {
	m, _ := newManager(t)
	a := m.Attach("a")
	b := m.Attach("b")
	if m.Count() != 2 {
		t.Fatalf("Count = %d", m.Count())
	}
	if Of(a.Participant) != a {
		t.Error("Of did not return the owning thread")
	}
	if a.Participant.State() != safepoint.StateRunning {
		t.Errorf("attached thread state = %s", a.Participant.State())
	}
	ts := m.Threads()
	if ts[0] != a || ts[1] != b {
		t.Error("Threads not ordered by id")
	}
	m.Detach(a)
	m.Detach(b)
	if m.Count() != 0 {
		t.Errorf("Count after detach = %d", m.Count())
	}
}
