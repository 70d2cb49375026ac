// Package vm assembles a runtime: one heap with its collector, the
// safepoint coordinator, the thread manager and the tiered dispatcher over a
// program of bytecode units.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/diag"
	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/profile"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
	"github.com/chazu/kiln/tier"
)

var log = commonlog.GetLogger("kiln.vm")

// VM owns every runtime component. Components are exported for
// inspection; mutate them only through VM methods.
type VM struct {
	ID     uuid.UUID
	Config *config.Config

	Program    *bytecode.Program
	Heap       *heap.Heap
	Safepoints *safepoint.Coordinator
	Threads    *threads.Manager
	Profile    *profile.Tracker
	Dispatcher *tier.Dispatcher
	GC         *gc.Collector
	Journal    *diag.Journal

	closeOnce sync.Once
	closeErr  error
}

// New creates a VM and starts its background goroutines (compiler threads,
// the collector trigger and the journal writer). A nil cfg selects the
// defaults.
func New(cfg *config.Config) (*VM, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h, err := heap.New(cfg)
	if err != nil {
		return nil, err
	}
	journal, err := diag.OpenJournal(cfg.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	vm := &VM{
		ID:         journal.Run(),
		Config:     cfg,
		Program:    bytecode.NewProgram(),
		Heap:       h,
		Safepoints: safepoint.NewCoordinator(cfg.Safepoint.Timeout.Std()),
		Profile:    profile.NewTracker(),
		Journal:    journal,
	}
	vm.Threads = threads.NewManager(vm.Safepoints, h)
	vm.Dispatcher = tier.New(cfg.Tiering, vm.Program, h, vm.Profile)
	vm.GC = gc.New(cfg.GC, h, vm.Safepoints, vm.Threads)

	// Constants embedded in installed code are roots.
	vm.GC.AddRoots(gc.RootFunc(vm.Dispatcher.ForEachConstant))
	journal.Watch(vm.GC, vm.Dispatcher)

	vm.Dispatcher.Start()
	vm.GC.Start()
	log.Infof("vm %s: heap %s, generational=%t moving=%t concurrent=%t",
		vm.ID, cfg.Heap.Size, cfg.GC.Generational, cfg.GC.Moving, cfg.GC.Concurrent)
	return vm, nil
}

// Close stops the background goroutines and flushes the journal. Threads
// must be detached first.
func (vm *VM) Close() error {
	vm.closeOnce.Do(func() {
		if n := vm.Threads.Count(); n != 0 {
			log.Warningf("closing vm %s with %d attached threads", vm.ID, n)
		}
		vm.GC.Stop()
		vm.Dispatcher.Stop()
		vm.closeErr = vm.Journal.Close()
	})
	return vm.closeErr
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// Attach registers the calling goroutine as a managed thread.
func (vm *VM) Attach(name string) *threads.Thread {
	return vm.Threads.Attach(name)
}

// Detach unregisters a thread attached with Attach.
func (vm *VM) Detach(t *threads.Thread) {
	vm.Threads.Detach(t)
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// DefineType registers an object type.
func (vm *VM) DefineType(t *heap.Type) *heap.Type {
	return vm.Heap.Types.Register(t)
}

// DefineStatic declares a static slot and returns its index.
func (vm *VM) DefineStatic(name string) int {
	return vm.Heap.Statics().Define(name)
}

// Load builds a unit and adds it to the program.
func (vm *VM) Load(b *bytecode.Builder) (*bytecode.Unit, error) {
	u, err := b.Build()
	if err != nil {
		return nil, err
	}
	vm.Program.Add(u)
	return u, nil
}

// Reserve allocates a unit id ahead of LoadReserved, for units that call
// themselves or each other.
func (vm *VM) Reserve(name string) int {
	return vm.Program.Reserve(name)
}

// LoadReserved builds a unit and installs it under a reserved id.
func (vm *VM) LoadReserved(id int, b *bytecode.Builder) (*bytecode.Unit, error) {
	u, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := vm.Program.Define(id, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// External interfaces
// ---------------------------------------------------------------------------

// Allocate creates an object of type typ on behalf of t. size is the field
// count for fixed types and the element count for arrays. The only error a
// well-formed request can get is heap.ErrOutOfMemory.
func (vm *VM) Allocate(t *threads.Thread, typ *heap.Type, size int) (heap.Value, error) {
	t.Poll()
	return vm.Heap.Allocate(t.TLAB, typ, size)
}

// Invoke runs a unit at whatever tier is installed when the call starts.
// Tier changes are invisible to the caller apart from speed.
func (vm *VM) Invoke(t *threads.Thread, unitID int, args ...heap.Value) (heap.Value, error) {
	return vm.Dispatcher.Call(t, unitID, args)
}

// InvokeByName looks a unit up by name and invokes it.
func (vm *VM) InvokeByName(t *threads.Thread, name string, args ...heap.Value) (heap.Value, error) {
	u, ok := vm.Program.Lookup(name)
	if !ok {
		return heap.Nil, fmt.Errorf("%w: %s", bytecode.ErrUnknownUnit, name)
	}
	return vm.Invoke(t, u.ID, args...)
}

// Collect runs a collection now. t is the calling thread, or nil when the
// caller is not attached.
func (vm *VM) Collect(t *threads.Thread, cause gc.Cause) (gc.Event, error) {
	return vm.GC.Collect(t, cause)
}

// Histogram takes a class histogram and journals it. A live histogram
// collects first so only reachable objects are counted.
func (vm *VM) Histogram(t *threads.Thread, live bool) (*diag.Histogram, error) {
	var hg *diag.Histogram
	var err error
	if live {
		hg, err = diag.LiveHistogram(vm.GC, vm.Safepoints, vm.Heap, t)
	} else {
		var p *safepoint.Participant
		if t != nil {
			p = t.Participant
		}
		hg, err = diag.TakeHistogram(vm.Safepoints, vm.Heap, p)
	}
	if err != nil {
		return nil, err
	}
	vm.Journal.RecordHistogram(hg)
	return hg, nil
}

// Invalidate returns a unit to the interpreter.
func (vm *VM) Invalidate(unitID int, reason string) bool {
	return vm.Dispatcher.Invalidate(unitID, reason)
}

// State returns a unit's tier state.
func (vm *VM) State(unitID int) tier.State {
	return vm.Dispatcher.State(unitID)
}

// Stats is a snapshot of every component's counters.
type Stats struct {
	Heap      heap.Stats
	GC        gc.Stats
	Tier      tier.Stats
	Safepoint safepoint.Stats
	Journal   diag.JournalStats
	Threads   int
}

// Stats returns a snapshot of every component's counters.
func (vm *VM) Stats() Stats {
	return Stats{
		Heap:      vm.Heap.Stats(),
		GC:        vm.GC.Stats(),
		Tier:      vm.Dispatcher.Stats(),
		Safepoint: vm.Safepoints.Stats(),
		Journal:   vm.Journal.Stats(),
		Threads:   vm.Threads.Count(),
	}
}

// IsOutOfMemory reports whether err is an allocation failure that survived
// a last-ditch collection.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, heap.ErrOutOfMemory)
}
