package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/threads"
)

// Workload is a built-in program used to exercise the runtime.
type Workload struct {
	Name        string
	Description string
	// DefaultSize is used when Run is given a size of zero or less.
	DefaultSize int

	load func(vm *VM) error
	run  func(vm *VM, t *threads.Thread, size int) (heap.Value, error)
}

var loadMu sync.Mutex

// Load adds the workload's types, statics and units to vm unless they are
// already there. Loading runs nothing, so profiles start empty.
func (w *Workload) Load(vm *VM) error {
	loadMu.Lock()
	defer loadMu.Unlock()
	if _, ok := vm.Program.Lookup(w.Name); ok {
		return nil
	}
	if err := w.load(vm); err != nil {
		return fmt.Errorf("loading %s: %w", w.Name, err)
	}
	return nil
}

// Run loads the workload if needed and runs it on t.
func (w *Workload) Run(vm *VM, t *threads.Thread, size int) (heap.Value, error) {
	if size <= 0 {
		size = w.DefaultSize
	}
	if err := w.Load(vm); err != nil {
		return heap.Nil, err
	}
	return w.run(vm, t, size)
}

var workloads = map[string]*Workload{}

func register(w *Workload) { workloads[w.Name] = w }

// Lookup returns a built-in workload.
func Lookup(name string) (*Workload, bool) {
	w, ok := workloads[name]
	return w, ok
}

// Workloads lists the built-in workloads by name.
func Workloads() []*Workload {
	out := make([]*Workload, 0, len(workloads))
	for _, w := range workloads {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func init() {
	register(&Workload{
		Name:        "trees",
		Description: "build and walk binary trees of the given depth; allocation heavy",
		DefaultSize: 14,
		load:        loadTrees,
		run:         runTrees,
	})
	register(&Workload{
		Name:        "sum",
		Description: "sum integers in a loop; promoted by back-edge counts",
		DefaultSize: 2000,
		load:        loadSum,
		run:         runSum,
	})
	register(&Workload{
		Name:        "poly",
		Description: "call with integers until optimized, then with a float; deoptimizes",
		DefaultSize: 100000,
		load:        loadPoly,
		run:         runPoly,
	})
	register(&Workload{
		Name:        "statics",
		Description: "read a static that keeps changing; invalidates compiled code",
		DefaultSize: 20000,
		load:        loadStatics,
		run:         runStatics,
	})
}

// ---------------------------------------------------------------------------
// trees
// ---------------------------------------------------------------------------

func loadTrees(vm *VM) error {
	tree := vm.DefineType(heap.NewType("Tree", "left", "right"))
	vm.DefineStatic("trees.longLived")

	// trees.make(depth): a complete tree of the given depth.
	mk := vm.Reserve("trees.make")
	b := bytecode.NewBuilder("trees.make", 1, 2)
	rec := b.NewLabel()
	b.Load(0).PushInt(0).Emit(bytecode.OpEQ).Jump(bytecode.OpJumpFalse, rec)
	b.New(tree.ID).Emit(bytecode.OpReturn)
	b.Mark(rec)
	b.New(tree.ID).Store(1)
	b.Load(1).Load(0).PushInt(1).Emit(bytecode.OpSub).Call(mk, 1).PutField(0)
	b.Load(1).Load(0).PushInt(1).Emit(bytecode.OpSub).Call(mk, 1).PutField(1)
	b.Load(1).Emit(bytecode.OpReturn)
	if _, err := vm.LoadReserved(mk, b); err != nil {
		return err
	}

	// trees.check(node): the number of nodes below and including node.
	ck := vm.Reserve("trees.check")
	b = bytecode.NewBuilder("trees.check", 1, 1)
	inner := b.NewLabel()
	b.Load(0).GetField(0).Emit(bytecode.OpPushNil).Emit(bytecode.OpEQ).Jump(bytecode.OpJumpFalse, inner)
	b.PushInt(1).Emit(bytecode.OpReturn)
	b.Mark(inner)
	b.Load(0).GetField(0).Call(ck, 1)
	b.Load(0).GetField(1).Call(ck, 1)
	b.Emit(bytecode.OpAdd).PushInt(1).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	if _, err := vm.LoadReserved(ck, b); err != nil {
		return err
	}

	// trees(depth): keep one tree alive in a static, then build and check
	// short-lived trees of every smaller depth.
	b = bytecode.NewBuilder("trees", 1, 3)
	idx, _ := vm.Heap.Statics().Index("trees.longLived")
	loop, done := b.NewLabel(), b.NewLabel()
	b.Load(0).Call(mk, 1).StoreStatic(idx)
	b.PushInt(0).Store(1).PushInt(0).Store(2)
	b.Mark(loop)
	b.Load(2).Load(0).Emit(bytecode.OpLT).Jump(bytecode.OpJumpFalse, done)
	b.Load(1).Load(2).Call(mk, 1).Call(ck, 1).Emit(bytecode.OpAdd).Store(1)
	b.Load(2).PushInt(1).Emit(bytecode.OpAdd).Store(2)
	b.Jump(bytecode.OpJump, loop)
	b.Mark(done)
	b.Load(1).LoadStatic(idx).Call(ck, 1).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	_, err := vm.Load(b)
	return err
}

// TreeNodes is the result of the trees workload for a depth: every tree
// of depth 0..depth-1 plus the long-lived tree of the full depth.
func TreeNodes(depth int) int64 {
	var n int64
	for d := 0; d <= depth; d++ {
		n += 1<<(d+1) - 1
	}
	return n
}

func runTrees(vm *VM, t *threads.Thread, depth int) (heap.Value, error) {
	return vm.InvokeByName(t, "trees", heap.FromInt(int64(depth)))
}

// ---------------------------------------------------------------------------
// sum
// ---------------------------------------------------------------------------

func loadSum(vm *VM) error {
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
	_, err := vm.Load(b)
	return err
}

func runSum(vm *VM, t *threads.Thread, n int) (heap.Value, error) {
	var total int64
	for i := 0; i < 100; i++ {
		v, err := vm.InvokeByName(t, "sum", heap.FromInt(int64(n)))
		if err != nil {
			return heap.Nil, err
		}
		total += v.Int()
	}
	return heap.FromInt(total), nil
}

// ---------------------------------------------------------------------------
// poly
// ---------------------------------------------------------------------------

func loadPoly(vm *VM) error {
	// poly(x) = x * 3 + 1
	b := bytecode.NewBuilder("poly", 1, 1).
		Load(0).PushInt(3).Emit(bytecode.OpMul).PushInt(1).Emit(bytecode.OpAdd).Emit(bytecode.OpReturn)
	_, err := vm.Load(b)
	return err
}

func runPoly(vm *VM, t *threads.Thread, n int) (heap.Value, error) {
	u, _ := vm.Program.Lookup("poly")
	for i := 0; i < n; i++ {
		if _, err := vm.Invoke(t, u.ID, heap.FromInt(int64(i%1000))); err != nil {
			return heap.Nil, err
		}
	}
	return vm.Invoke(t, u.ID, heap.FromFloat(0.5))
}

// ---------------------------------------------------------------------------
// statics
// ---------------------------------------------------------------------------

func loadStatics(vm *VM) error {
	idx := vm.DefineStatic("statics.scale")
	if err := vm.Heap.StoreStatic(nil, idx, heap.FromInt(1)); err != nil {
		return err
	}
	// statics(x) = x * scale
	b := bytecode.NewBuilder("statics", 1, 1).
		Load(0).LoadStatic(idx).Emit(bytecode.OpMul).Emit(bytecode.OpReturn)
	_, err := vm.Load(b)
	return err
}

func runStatics(vm *VM, t *threads.Thread, n int) (heap.Value, error) {
	u, _ := vm.Program.Lookup("statics")
	idx, _ := vm.Heap.Statics().Index("statics.scale")
	var total int64
	for i := 0; i < n; i++ {
		if i%(n/4+1) == 0 {
			if err := vm.Heap.StoreStatic(t.TLAB, idx, heap.FromInt(int64(i/(n/4+1)+1))); err != nil {
				return heap.Nil, err
			}
		}
		v, err := vm.Invoke(t, u.ID, heap.FromInt(1))
		if err != nil {
			return heap.Nil, err
		}
		total += v.Int()
	}
	return heap.FromInt(total), nil
}
