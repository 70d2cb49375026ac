package vm

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/diag"
	"github.com/chazu/kiln/fault"
	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/threads"
	"github.com/chazu/kiln/tier"
)

func newVM(t *testing.T, adjust func(c *config.Config)) (*VM, *threads.Thread) {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.Size = 1 * config.MB
	cfg.Heap.TLABSize = 2 * config.KB
	cfg.Heap.LargeObject = 4 * config.KB
	cfg.GC.ParallelThreads = 2
	cfg.GC.Verify = true
	cfg.Tiering.BackgroundCompilation = false
	cfg.Diagnostics.RingSize = 64
	if adjust != nil {
		adjust(cfg)
	}

	rec := &fault.Recorder{}
	prev := fault.SetHandler(rec.Handle)
	v, err := New(cfg)
	if err != nil {
		fault.SetHandler(prev)
		t.Fatal(err)
	}
	th := v.Attach("main")
	t.Cleanup(func() {
		v.Detach(th)
		if err := v.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
		fault.SetHandler(prev)
		if faults := rec.Faults(); len(faults) != 0 {
			t.Errorf("fatal faults: %v", faults)
		}
	})
	return v, th
}

// waitForCollection waits for at least one completed cycle. Background
// cycles need th's cooperation, so th waits in native code.
func waitForCollection(v *VM, th *threads.Thread, d time.Duration) bool {
	th.EnterNative()
	defer th.ExitNative()
	deadline := time.Now().Add(d)
	for {
		s := v.Stats().GC
		if s.YoungCycles+s.FullCycles+s.ConcurrentCycles > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

var policies = []struct {
	name   string
	adjust func(c *config.Config)
}{
	{"generational", nil},
	{"mark-sweep", func(c *config.Config) { c.GC.Generational, c.GC.Moving = false, false }},
	{"mark-compact", func(c *config.Config) { c.GC.Generational, c.GC.Moving = false, true }},
	{"concurrent", func(c *config.Config) {
		c.GC.Generational, c.GC.Moving, c.GC.Concurrent = false, false, true
		c.GC.Trigger = config.TriggerAsync
	}},
}

func TestTransitiveGarbageIsReclaimed(t *testing.T) {
	for _, p := range policies {
		t.Run(p.name, func(t *testing.T) {
			v, th := newVM(t, p.adjust)
			node := v.DefineType(heap.NewType("Node", "next", "val"))
			root := th.PushNative("test")
			defer th.PopFrame()

			var objs [3]heap.Value
			for i := range objs {
				var err error
				if objs[i], err = v.Allocate(th, node, 2); err != nil {
					t.Fatal(err)
				}
				if i == 0 {
					root.AddHandle(objs[0])
				} else if err := v.Heap.StoreField(th.TLAB, objs[i-1], 0, objs[i]); err != nil {
					t.Fatal(err)
				}
			}

			root.Handles[0] = heap.Nil
			if _, err := v.Collect(th, gc.Explicit); err != nil {
				t.Fatal(err)
			}
			for i, o := range objs {
				if v.Heap.Valid(o) {
					t.Errorf("object %c survived", 'A'+i)
				}
			}
		})
	}
}

func TestRootedObjectKeepsItsFields(t *testing.T) {
	for _, p := range policies {
		t.Run(p.name, func(t *testing.T) {
			v, th := newVM(t, p.adjust)
			point := v.DefineType(heap.NewType("Point", "x", "y", "next"))
			root := th.PushNative("test")
			defer th.PopFrame()

			d, err := v.Allocate(th, point, 3)
			if err != nil {
				t.Fatal(err)
			}
			root.AddHandle(d)
			e, err := v.Allocate(th, point, 3)
			if err != nil {
				t.Fatal(err)
			}
			h := v.Heap
			for i, val := range []heap.Value{heap.FromInt(42), heap.FromFloat(2.5), e} {
				if err := h.StoreField(th.TLAB, d, i, val); err != nil {
					t.Fatal(err)
				}
			}
			for i := 0; i < 100; i++ {
				if _, err := v.Allocate(th, point, 3); err != nil {
					t.Fatal(err)
				}
			}

			for _, cause := range []gc.Cause{gc.AllocationFailure, gc.Explicit} {
				if _, err := v.Collect(th, cause); err != nil {
					t.Fatal(err)
				}
				want := []heap.Value{heap.FromInt(42), heap.FromFloat(2.5), e}
				for i, w := range want {
					if got, err := h.Load(d, i); err != nil || got != w {
						t.Fatalf("after %s: field %d = %s, %v; want %s", cause, i, got, err, w)
					}
				}
				if !h.Valid(e) {
					t.Fatalf("after %s: referenced object reclaimed", cause)
				}
			}
			if n := h.LiveHandles(); n != 2 {
				t.Errorf("live handles = %d, want 2", n)
			}
		})
	}
}

func TestCollectionIsIdempotentOnReachableHeap(t *testing.T) {
	v, th := newVM(t, nil)
	node := v.DefineType(heap.NewType("Node", "next", "val"))
	root := th.PushNative("test")
	defer th.PopFrame()
	root.AddHandle(heap.Nil)
	for i := 0; i < 50; i++ {
		n, err := v.Allocate(th, node, 2)
		if err != nil {
			t.Fatal(err)
		}
		v.Heap.StoreField(th.TLAB, n, 0, root.Handles[0])
		v.Heap.StoreField(th.TLAB, n, 1, heap.FromInt(int64(i)))
		root.Handles[0] = n
	}

	snapshot := func() []string {
		var out []string
		for n := root.Handles[0]; n != heap.Nil; {
			val, _ := v.Heap.Load(n, 1)
			out = append(out, fmt.Sprintf("%s=%s", n, val))
			n, _ = v.Heap.Load(n, 0)
		}
		return out
	}
	before := snapshot()
	for i := 0; i < 3; i++ {
		ev, err := v.Collect(th, gc.Explicit)
		if err != nil {
			t.Fatal(err)
		}
		if ev.FreedObjects != 0 {
			t.Errorf("cycle %d freed %d objects from a fully reachable heap", i, ev.FreedObjects)
		}
	}
	after := snapshot()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Errorf("live set changed:\n%v\n%v", before, after)
	}
}

func TestPromotionAndDeoptimization(t *testing.T) {
	v, th := newVM(t, nil)
	w, _ := Lookup("poly")
	if err := w.Load(v); err != nil {
		t.Fatal(err)
	}
	u, _ := v.Program.Lookup("poly")

	for i := 0; i < 100000; i++ {
		got, err := v.Invoke(th, u.ID, heap.FromInt(int64(i%1000)))
		if err != nil {
			t.Fatal(err)
		}
		if want := heap.FromInt(int64(i%1000*3 + 1)); got != want {
			t.Fatalf("poly(%d) = %s", i%1000, got)
		}
	}
	if s := v.State(u.ID); s != tier.StateTier2 {
		t.Fatalf("state after 100000 calls = %s", s)
	}
	deopts := v.Stats().Tier.Deopts

	got, err := v.Invoke(th, u.ID, heap.FromFloat(0.5))
	if err != nil {
		t.Fatal(err)
	}
	if got != heap.FromFloat(2.5) {
		t.Errorf("poly(0.5) = %s, want 2.5", got)
	}
	if s := v.State(u.ID); s != tier.StateInterpreted {
		t.Errorf("state after trap = %s", s)
	}
	if d := v.Stats().Tier.Deopts; d != deopts+1 {
		t.Errorf("deopts = %d, want %d", d, deopts+1)
	}
	for _, x := range []heap.Value{heap.FromInt(4), heap.FromFloat(1.5)} {
		got, err := v.Invoke(th, u.ID, x)
		if err != nil {
			t.Fatal(err)
		}
		want := heap.FromInt(13)
		if x.IsFloat() {
			want = heap.FromFloat(5.5)
		}
		if got != want {
			t.Errorf("poly(%s) = %s, want %s", x, got, want)
		}
	}

	found := false
	for _, r := range v.Journal.Recent() {
		if r.Tier != nil && r.Tier.Event == "deoptimized" && r.Tier.Name == "poly" {
			found = true
		}
	}
	if !found {
		t.Error("deoptimization not journaled")
	}
}

func TestWorkloads(t *testing.T) {
	statics := func(n int) int64 {
		var total int64
		for i := 0; i < n; i++ {
			total += int64(i/(n/4+1) + 1)
		}
		return total
	}
	tests := []struct {
		name string
		size int
		want heap.Value
	}{
		{"trees", 6, heap.FromInt(TreeNodes(6))},
		{"sum", 100, heap.FromInt(100 * 4950)},
		{"poly", 1000, heap.FromFloat(2.5)},
		{"statics", 100, heap.FromInt(statics(100))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, th := newVM(t, func(c *config.Config) {
				c.Tiering.Tier1InvocationThreshold = 20
				c.Tiering.Tier2InvocationThreshold = 60
			})
			w, ok := Lookup(tt.name)
			if !ok {
				t.Fatalf("no workload %s", tt.name)
			}
			for run := 0; run < 2; run++ {
				got, err := w.Run(v, th, tt.size)
				if err != nil {
					t.Fatal(err)
				}
				if got != tt.want {
					t.Fatalf("run %d = %s, want %s", run, got, tt.want)
				}
			}
		})
	}
	if len(Workloads()) != len(tests) {
		t.Errorf("%d workloads registered", len(Workloads()))
	}
}

func TestLoadLeavesProfilesEmpty(t *testing.T) {
	v, th := newVM(t, func(c *config.Config) {
		c.Tiering.Tier1InvocationThreshold = 20
		c.Tiering.Tier2InvocationThreshold = 60
	})
	w, _ := Lookup("poly")
	for i := 0; i < 2; i++ {
		if err := w.Load(v); err != nil {
			t.Fatal(err)
		}
	}
	u, _ := v.Program.Lookup("poly")
	if n := v.Profile.ReadProfile(u.ID).Invocations; n != 0 {
		t.Errorf("loading ran poly %d times", n)
	}

	// Integer-only feedback lets tier 2 speculate, so the final float call
	// deoptimizes.
	got, err := w.Run(v, th, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got != heap.FromFloat(2.5) {
		t.Errorf("poly = %s, want 2.5", got)
	}
	if d := v.Stats().Tier.Deopts; d != 1 {
		t.Errorf("deopts = %d, want 1", d)
	}
}

func TestTreesUnderEveryPolicy(t *testing.T) {
	const depth = 10
	for _, p := range policies {
		t.Run(p.name, func(t *testing.T) {
			v, th := newVM(t, func(c *config.Config) {
				c.Heap.Size = 256 * config.KB
				c.Heap.TLABSize = 1 * config.KB
				c.Tiering.Tier1InvocationThreshold = 50
				c.Tiering.Tier2InvocationThreshold = 500
				if p.adjust != nil {
					p.adjust(c)
				}
			})
			// Each run replaces the long-lived tree, so three runs allocate
			// more than the heap holds.
			w, _ := Lookup("trees")
			for run := 0; run < 3; run++ {
				got, err := w.Run(v, th, depth)
				if err != nil {
					t.Fatal(err)
				}
				if got != heap.FromInt(TreeNodes(depth)) {
					t.Fatalf("run %d: trees(%d) = %s, want %d", run, depth, got, TreeNodes(depth))
				}
			}
			if !waitForCollection(v, th, 2*time.Second) {
				t.Error("no collection ran")
			}
			s := v.Stats()
			if s.Tier.Compiled[1]+s.Tier.Compiled[2] == 0 {
				t.Error("nothing was compiled")
			}

			hg, err := v.Histogram(th, true)
			if err != nil {
				t.Fatal(err)
			}
			e, ok := hg.Lookup("Tree")
			if want := 1<<(depth+1) - 1; !ok || e.Instances != want {
				t.Errorf("live trees = %d, want %d", e.Instances, want)
			}
		})
	}
}

func TestConcurrentCallers(t *testing.T) {
	v, main := newVM(t, func(c *config.Config) {
		c.Tiering.BackgroundCompilation = true
		c.Tiering.Tier1InvocationThreshold = 10
		c.Tiering.Tier2InvocationThreshold = 40
	})
	w, _ := Lookup("sum")
	if _, err := w.Run(v, main, 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := v.Attach(fmt.Sprintf("caller-%d", i))
			defer v.Detach(th)
			for j := 0; j < 20; j++ {
				got, err := w.Run(v, th, 100+i)
				if err == nil && got != heap.FromInt(int64(100*(100+i)*(99+i)/2)) {
					err = fmt.Errorf("caller %d: sum = %s", i, got)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	main.EnterNative()
	wg.Wait()
	main.ExitNative()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOutOfMemoryReachesTheCaller(t *testing.T) {
	v, th := newVM(t, func(c *config.Config) {
		c.Heap.Size = 64 * config.KB
		c.GC.Verify = false
	})
	arr := v.DefineType(heap.NewArrayType("Array", heap.FieldValue))
	root := th.PushNative("test")
	defer th.PopFrame()

	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		var a heap.Value
		if a, err = v.Allocate(th, arr, 30); err == nil {
			root.AddHandle(a)
		}
	}
	if !IsOutOfMemory(err) {
		t.Fatalf("err = %v, want out of memory", err)
	}
	if s := v.Stats().Heap; s.OutOfMemory == 0 {
		t.Errorf("heap stats = %+v", s)
	}

	// Shedding load recovers.
	root.Handles = root.Handles[:0]
	if _, err := v.Allocate(th, arr, 30); err != nil {
		t.Fatalf("allocation after shedding load: %v", err)
	}
}

func TestJournalPersistsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	v, th := newVM(t, func(c *config.Config) { c.Diagnostics.Journal = path })
	if _, err := v.Collect(th, gc.Explicit); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Histogram(th, false); err != nil {
		t.Fatal(err)
	}
	v.Journal.Flush()

	db, err := diag.OpenSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	recs, err := db.Records(v.ID.String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Kind != diag.KindGC || recs[1].Kind != diag.KindHistogram {
		t.Errorf("records = %v", recs)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	cfg := config.Default()
	cfg.GC.Concurrent = true
	if _, err := New(cfg); !errors.Is(err, config.ErrConcurrentPolicy) {
		t.Errorf("err = %v, want invalid configuration", err)
	}
}

func TestUnknownUnit(t *testing.T) {
	v, th := newVM(t, nil)
	if _, err := v.InvokeByName(th, "missing"); err == nil {
		t.Error("invoking a missing unit succeeded")
	}
}
