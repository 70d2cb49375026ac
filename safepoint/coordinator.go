// Package safepoint brings running threads to a quiescent, GC-safe state.
//
// Threads cooperate by calling Poll at loop back-edges, calls, returns and
// allocations. A thread blocked in external I/O brackets the call with
// EnterNative/ExitNative and counts as already stopped.
package safepoint

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/fault"
)

var log = commonlog.GetLogger("kiln.safepoint")

// DefaultTimeout bounds the time to reach a safepoint.
const DefaultTimeout = 10 * time.Second

// rescanInterval is how often the coordinator rechecks thread states while
// waiting. Threads entering native do not notify, so waiting cannot rely on
// arrivals alone.
const rescanInterval = 200 * time.Microsecond

// Coordinator owns the safepoint token and the set of registered threads.
type Coordinator struct {
	timeout time.Duration

	// opMu serializes safepoint operations and handshakes.
	opMu sync.Mutex

	// mu guards participants and release.
	mu           sync.Mutex
	participants map[uint64]*Participant
	release      chan struct{} // closed when the current operation ends

	armed  atomic.Bool
	epoch  atomic.Uint64
	arrive chan struct{}
	nextID atomic.Uint64

	// Statistics
	operations   atomic.Uint64
	handshakes   atomic.Uint64
	totalSyncNs  atomic.Int64
	maxSyncNs    atomic.Int64
	reasonCounts sync.Map // string -> *atomic.Uint64
}

// NewCoordinator creates a coordinator. A non-positive timeout selects
// DefaultTimeout.
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout:      timeout,
		participants: make(map[uint64]*Participant),
		arrive:       make(chan struct{}, 1),
	}
}

// Register adds a thread. The participant starts in the native state; the
// owning thread calls ExitNative before touching the heap.
func (c *Coordinator) Register(name string) *Participant {
	p := &Participant{
		id:   c.nextID.Add(1),
		name: name,
		c:    c,
	}
	p.state.Store(int32(StateNative))

	c.mu.Lock()
	c.participants[p.id] = p
	c.mu.Unlock()
	return p
}

func (c *Coordinator) unregister(p *Participant) {
	c.mu.Lock()
	delete(c.participants, p.id)
	c.mu.Unlock()
	c.notifyArrival()
}

// Epoch returns the current safepoint token value.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// Active reports whether a safepoint operation is in progress.
func (c *Coordinator) Active() bool {
	return c.armed.Load()
}

// Count returns the number of registered threads.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// Participants returns a snapshot of the registered threads ordered by id.
func (c *Coordinator) Participants() []*Participant {
	c.mu.Lock()
	out := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Coordinator) notifyArrival() {
	select {
	case c.arrive <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Operation is an in-progress safepoint. All threads other than the
// requester stay stopped until End is called.
type Operation struct {
	c         *Coordinator
	Reason    string
	Epoch     uint64
	Requester *Participant
	SyncTime  time.Duration // time to reach the safepoint

	restoreRequester bool
	ended            bool
}

// Begin requests a safepoint and blocks until every registered thread other
// than requester has checked in, is in native code, or has terminated.
// A request cannot be cancelled. If threads fail to check in within the
// timeout, the fault is reported through fault.Fatal; when the handler
// returns, the operation is abandoned and the error is returned.
func (c *Coordinator) Begin(reason string, requester *Participant) (*Operation, error) {
	restore := false
	if requester != nil && requester.State() == StateRunning {
		// The requester may have to wait for another operation to finish
		// before it gets opMu; it must not hold that one up.
		requester.EnterNative()
		restore = true
	}

	c.opMu.Lock()
	start := time.Now()

	c.mu.Lock()
	c.release = make(chan struct{})
	epoch := c.epoch.Add(1)
	c.armed.Store(true)
	c.mu.Unlock()

	op := &Operation{
		c:                c,
		Reason:           reason,
		Epoch:            epoch,
		Requester:        requester,
		restoreRequester: restore,
	}

	if err := c.awaitQuiescence(reason, epoch, requester); err != nil {
		op.End()
		return nil, err
	}

	op.SyncTime = time.Since(start)
	c.recordOperation(reason, op.SyncTime)
	log.Debugf("safepoint #%d (%s) reached in %v", epoch, reason, op.SyncTime)
	return op, nil
}

// End resumes all threads stopped by the operation. It is safe to call
// End more than once.
func (op *Operation) End() {
	if op.ended {
		return
	}
	op.ended = true
	c := op.c

	c.mu.Lock()
	c.armed.Store(false)
	close(c.release)
	c.release = nil
	c.mu.Unlock()
	c.opMu.Unlock()

	if op.restoreRequester {
		op.Requester.ExitNative()
	}
}

// Run performs fn inside a safepoint requested on behalf of requester.
func (c *Coordinator) Run(reason string, requester *Participant, fn func(op *Operation)) error {
	op, err := c.Begin(reason, requester)
	if err != nil {
		return err
	}
	defer op.End()
	fn(op)
	return nil
}

// awaitQuiescence waits until no participant other than the requester is
// running.
func (c *Coordinator) awaitQuiescence(reason string, epoch uint64, requester *Participant) error {
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		laggards := c.laggards(epoch, requester)
		if len(laggards) == 0 {
			return nil
		}
		select {
		case <-c.arrive:
		case <-ticker.C:
		case <-deadline.C:
			err := fmt.Errorf("%w: %s: threads %v not stopped after %v",
				fault.ErrSafepointTimeout, reason, laggards, c.timeout)
			fault.Fatal(err)
			return err
		}
	}
}

// laggards returns the names of threads that still hold the safepoint up.
func (c *Coordinator) laggards(epoch uint64, requester *Participant) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, p := range c.participants {
		if p == requester {
			continue
		}
		if !p.safeFor(epoch) {
			names = append(names, p.name)
		}
	}
	return names
}

func (c *Coordinator) recordOperation(reason string, d time.Duration) {
	c.operations.Add(1)
	ns := d.Nanoseconds()
	c.totalSyncNs.Add(ns)
	for {
		cur := c.maxSyncNs.Load()
		if ns <= cur || c.maxSyncNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	v, _ := c.reasonCounts.LoadOrStore(reason, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// ---------------------------------------------------------------------------
// Handshakes
// ---------------------------------------------------------------------------

// handshake is a per-thread closure executed at the thread's next poll, or
// by the coordinator for threads in native code.
type handshake struct {
	fn      func(p *Participant)
	pending atomic.Int32
	done    chan struct{}
}

func (h *handshake) complete() {
	if h.pending.Add(-1) == 0 {
		close(h.done)
	}
}

// Handshake runs fn once for every registered thread without stopping the
// world: running threads execute it themselves at their next poll, and the
// coordinator executes it for threads in native code. It blocks until all
// threads have been handled. Threads registered after the call are skipped.
func (c *Coordinator) Handshake(reason string, fn func(p *Participant)) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	parts := c.Participants()
	hs := &handshake{fn: fn, done: make(chan struct{})}
	hs.pending.Store(int32(len(parts)) + 1)
	for _, p := range parts {
		p.handshake.Store(hs)
		if p.State() == StateTerminated {
			p.claimHandshake(hs, false)
		}
	}
	// The extra count keeps done open until every participant is armed.
	hs.complete()

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		for _, p := range parts {
			if p.handshake.Load() == hs {
				p.tryHandshakeOnBehalf(hs)
			}
		}
		select {
		case <-hs.done:
			c.handshakes.Add(1)
			log.Debugf("handshake (%s) completed for %d threads", reason, len(parts))
			return nil
		case <-ticker.C:
		case <-deadline.C:
			var names []string
			for _, p := range parts {
				if p.handshake.Load() == hs {
					names = append(names, p.name)
				}
			}
			err := fmt.Errorf("%w: handshake %s: threads %v did not respond after %v",
				fault.ErrSafepointTimeout, reason, names, c.timeout)
			fault.Fatal(err)
			for _, p := range parts {
				p.claimHandshake(hs, false)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats holds coordinator statistics.
type Stats struct {
	Operations    uint64
	Handshakes    uint64
	TotalSyncTime time.Duration
	MaxSyncTime   time.Duration
	ByReason      map[string]uint64
}

// Stats returns a snapshot of coordinator statistics.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Operations:    c.operations.Load(),
		Handshakes:    c.handshakes.Load(),
		TotalSyncTime: time.Duration(c.totalSyncNs.Load()),
		MaxSyncTime:   time.Duration(c.maxSyncNs.Load()),
		ByReason:      make(map[string]uint64),
	}
	c.reasonCounts.Range(func(k, v any) bool {
		s.ByReason[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return s
}
