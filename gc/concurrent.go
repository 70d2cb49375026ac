package gc

import (
	"time"

	"github.com/chazu/kiln/fault"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
)

// concurrentCycle marks while mutators run.
//
//  1. Initial mark (safepoint): enable the marking barrier and black
//     allocation, gray the global roots.
//  2. Stack scan (handshake): each thread grays its own frames at its next
//     poll; threads in native code are scanned on their behalf.
//  3. Tracing, concurrently, until the gray set and the flushed barrier
//     buffers are empty.
//  4. Remark (safepoint): flush every barrier buffer, rescan the global
//     roots and unscanned threads, finish tracing, then sweep.
//
// Callers hold cycleMu and are not running managed code.
func (c *Collector) concurrentCycle(cause Cause) (Event, error) {
	h := c.heap
	ev := Event{Cycle: c.cycles.Add(1), Cause: cause, Kind: KindConcurrent}
	var cerr error
	abort := func(err error) (Event, error) {
		h.EndMarking()
		// Marks left behind would hide objects from the next trace.
		_ = c.coord.Run("gc: abandon marking", nil, func(*safepoint.Operation) { c.clearMarks() })
		c.phase.reset()
		log.Errorf("gc #%d (%s) failed: %s", ev.Cycle, cause, err)
		return ev, err
	}
	fail := func(err error) (Event, error) {
		fault.Fatal(err)
		return abort(err)
	}

	err := c.coord.Run("gc: initial mark", nil, func(op *safepoint.Operation) {
		start := time.Now()
		defer func() { ev.Pause += op.SyncTime + time.Since(start) }()
		ev.LiveBefore = c.used()
		if cerr = c.verify("before"); cerr != nil {
			return
		}
		if cerr = c.advance(&ev, PhaseRootScanning); cerr != nil {
			return
		}
		h.BeginMarking()
		c.globalRoots(c.pushGray)
	})
	if err != nil {
		return abort(err)
	}
	if cerr != nil {
		return fail(cerr)
	}

	err = c.coord.Handshake("gc: scan stacks", func(p *safepoint.Participant) {
		if t := threads.Of(p); t != nil {
			c.scanThread(t)
		}
	})
	if err != nil {
		return abort(err)
	}

	if err := c.advance(&ev, PhaseTracing); err != nil {
		return fail(err)
	}
	for {
		work := append(c.takeGray(), h.TakeShaded(false)...)
		if len(work) == 0 {
			break
		}
		if err := c.mark(work); err != nil {
			return fail(err)
		}
	}

	err = c.coord.Run("gc: remark", nil, func(op *safepoint.Operation) {
		start := time.Now()
		defer func() { ev.Pause += op.SyncTime + time.Since(start) }()

		if c.threads != nil {
			for _, t := range c.threads.Threads() {
				if !t.TLAB.StackScanned() {
					c.scanThread(t)
				}
			}
		}
		c.globalRoots(c.pushGray)
		for {
			work := append(c.takeGray(), h.TakeShaded(true)...)
			if len(work) == 0 {
				break
			}
			if cerr = c.mark(work); cerr != nil {
				return
			}
		}
		h.EndMarking()
		c.postTrace(&ev)

		h.RetireTLABs()
		if cerr = c.advance(&ev, PhaseSweeping); cerr != nil {
			return
		}
		c.sweep(h.AllocationSpace(), &ev)
		h.NoteCollection(true)
		ev.LiveAfter = c.used()
		c.postSweep(&ev)
		if cerr = c.advance(&ev, PhaseIdle); cerr != nil {
			return
		}
		cerr = c.verify("after")
	})
	if err != nil {
		return abort(err)
	}
	if cerr != nil {
		return fail(cerr)
	}
	c.record(&ev)
	return ev, nil
}
