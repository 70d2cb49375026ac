// Package threads keeps per-thread activation records and exposes them to
// the collector as roots and to diagnostics as stack traces.
package threads

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/bytecode"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/safepoint"
)

var log = commonlog.GetLogger("kiln.threads")

// Thread is a managed thread of execution. Its frames are only mutated by
// the owning goroutine; others read them while the thread is stopped.
type Thread struct {
	ID          uint64
	Name        string
	Participant *safepoint.Participant
	TLAB        *heap.TLAB

	top   *Frame
	depth int
	spare []*Frame
	m     *Manager
}

// Depth returns the number of frames.
func (t *Thread) Depth() int { return t.depth }

// Top returns the youngest frame, or nil.
func (t *Thread) Top() *Frame { return t.top }

func (t *Thread) frame() *Frame {
	if n := len(t.spare); n > 0 {
		f := t.spare[n-1]
		t.spare = t.spare[:n-1]
		return f
	}
	return &Frame{}
}

func grow(s []heap.Value, n int) []heap.Value {
	if cap(s) < n {
		return make([]heap.Value, n)
	}
	s = s[:n]
	for i := range s {
		s[i] = heap.Nil
	}
	return s
}

// PushFrame enters unit u. Locals and operand stack are sized from the unit
// and start as nil.
func (t *Thread) PushFrame(kind FrameKind, u *bytecode.Unit, tier int) *Frame {
	f := t.frame()
	f.Kind = kind
	f.Unit = u
	f.Tier = tier
	f.Locals = grow(f.Locals, u.NumLocals)
	f.Stack = grow(f.Stack, u.MaxStack)
	f.parent = t.top
	t.top = f
	t.depth++
	return f
}

// PushNative enters external code. References the code holds must be added
// with Frame.AddHandle.
func (t *Thread) PushNative(name string) *Frame {
	f := t.frame()
	f.Kind = FrameNative
	f.Name = name
	f.parent = t.top
	t.top = f
	t.depth++
	return f
}

// PopFrame leaves the youngest frame.
func (t *Thread) PopFrame() {
	f := t.top
	if f == nil {
		return
	}
	t.top = f.parent
	t.depth--
	f.reset()
	t.spare = append(t.spare, f)
}

// Walk lazily yields frames from youngest to oldest.
func (t *Thread) Walk() iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		for f := t.top; f != nil; f = f.parent {
			if !yield(f) {
				return
			}
		}
	}
}

// LiveRefs yields every reference held by the thread's frames.
func (t *Thread) LiveRefs() iter.Seq[heap.Value] {
	return func(yield func(heap.Value) bool) {
		for f := range t.Walk() {
			for v := range f.LiveRefs() {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// TraceEntry is one line of a stack trace.
type TraceEntry struct {
	Kind FrameKind
	Unit string
	PC   int
	Tier int
}

func (e TraceEntry) String() string {
	switch e.Kind {
	case FrameNative:
		return fmt.Sprintf("at <native %s>", e.Unit)
	case FrameCompiled:
		return fmt.Sprintf("at %s (pc %d, tier %d)", e.Unit, e.PC, e.Tier)
	default:
		return fmt.Sprintf("at %s (pc %d)", e.Unit, e.PC)
	}
}

// StackTrace returns the thread's frames, youngest first.
func (t *Thread) StackTrace() []TraceEntry {
	var out []TraceEntry
	for f := range t.Walk() {
		e := TraceEntry{Kind: f.Kind, PC: f.PC, Tier: f.Tier, Unit: f.Name}
		if f.Unit != nil {
			e.Unit = f.Unit.String()
		}
		out = append(out, e)
	}
	return out
}

// FormatStackTrace renders StackTrace one entry per line.
func (t *Thread) FormatStackTrace() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "thread %q:", t.Name)
	for _, e := range t.StackTrace() {
		sb.WriteString("\n\t")
		sb.WriteString(e.String())
	}
	return sb.String()
}

// Poll is the thread's safepoint check.
func (t *Thread) Poll() { t.Participant.Poll() }

// EnterNative marks the thread as running external code.
func (t *Thread) EnterNative() { t.Participant.EnterNative() }

// ExitNative returns the thread to managed code.
func (t *Thread) ExitNative() { t.Participant.ExitNative() }

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager tracks attached threads.
type Manager struct {
	coord *safepoint.Coordinator
	heap  *heap.Heap

	mu      sync.Mutex
	threads map[uint64]*Thread
}

// NewManager creates a manager for threads sharing heap h.
func NewManager(c *safepoint.Coordinator, h *heap.Heap) *Manager {
	return &Manager{coord: c, heap: h, threads: make(map[uint64]*Thread)}
}

// Attach registers the calling goroutine as a managed thread. The thread
// starts running managed code.
func (m *Manager) Attach(name string) *Thread {
	p := m.coord.Register(name)
	t := &Thread{
		ID:          p.ID(),
		Name:        name,
		Participant: p,
		TLAB:        m.heap.NewTLAB(p),
		m:           m,
	}
	p.Attachment = t

	m.mu.Lock()
	m.threads[t.ID] = t
	m.mu.Unlock()

	p.ExitNative()
	log.Debugf("attached thread %d (%s)", t.ID, name)
	return t
}

// Detach unregisters t. The thread must hold no frames.
func (m *Manager) Detach(t *Thread) {
	if t.depth != 0 {
		log.Warningf("detaching thread %s with %d frames", t.Name, t.depth)
	}
	t.TLAB.Release()
	t.Participant.Terminate()

	m.mu.Lock()
	delete(m.threads, t.ID)
	m.mu.Unlock()
	log.Debugf("detached thread %d (%s)", t.ID, t.Name)
}

// Threads returns the attached threads ordered by id.
func (m *Manager) Threads() []*Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of attached threads.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads)
}

// Of returns the thread owning a safepoint participant.
func Of(p *safepoint.Participant) *Thread {
	t, _ := p.Attachment.(*Thread)
	return t
}

// EnumerateRoots calls fn for every reference held by any thread's frames.
// Callers hold a safepoint.
func (m *Manager) EnumerateRoots(fn func(v heap.Value)) {
	for _, t := range m.Threads() {
		for v := range t.LiveRefs() {
			fn(v)
		}
	}
}
