package safepoint

import (
	"runtime"
	"sync/atomic"
)

// State is a thread's safepoint state.
type State int32

const (
	StateRunning    State = iota // executing managed code; must poll
	StateNative                  // in external code; holds no unrecorded references
	StateBlocked                 // checked in at a safepoint
	StateScanning                // native thread being handled by the coordinator
	StateTerminated              // exited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateNative:
		return "native"
	case StateBlocked:
		return "blocked"
	case StateScanning:
		return "scanning"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Participant is one thread's view of the safepoint protocol. Poll, EnterNative
// and ExitNative must only be called by the owning thread.
type Participant struct {
	id   uint64
	name string
	c    *Coordinator

	state     atomic.Int32
	seenEpoch atomic.Uint64
	handshake atomic.Pointer[handshake]

	polls      atomic.Uint64
	checkIns   atomic.Uint64
	Attachment any // owner-defined data, e.g. the thread record
}

// ID returns the participant's id.
func (p *Participant) ID() uint64 { return p.id }

// Name returns the thread name.
func (p *Participant) Name() string { return p.name }

// State returns the current state.
func (p *Participant) State() State {
	return State(p.state.Load())
}

// CheckIns returns how many times the thread stopped at a safepoint.
func (p *Participant) CheckIns() uint64 {
	return p.checkIns.Load()
}

// safeFor reports whether the thread cannot touch the heap during the
// operation with the given epoch.
func (p *Participant) safeFor(epoch uint64) bool {
	switch State(p.state.Load()) {
	case StateNative, StateScanning, StateTerminated:
		return true
	case StateBlocked:
		return p.seenEpoch.Load() == epoch
	default:
		return false
	}
}

// Poll is the safepoint check. The fast path is a single atomic load.
func (p *Participant) Poll() {
	p.polls.Add(1)
	if !p.c.armed.Load() && p.handshake.Load() == nil {
		return
	}
	p.slowPoll()
}

// Pending reports whether Poll would take the slow path.
func (p *Participant) Pending() bool {
	return p.c.armed.Load() || p.handshake.Load() != nil
}

func (p *Participant) slowPoll() {
	c := p.c
	for {
		if hs := p.handshake.Load(); hs != nil {
			p.claimHandshake(hs, true)
		}
		if !c.armed.Load() {
			return
		}

		c.mu.Lock()
		rel := c.release
		epoch := c.epoch.Load()
		c.mu.Unlock()
		if rel == nil {
			return
		}

		p.seenEpoch.Store(epoch)
		p.state.Store(int32(StateBlocked))
		p.checkIns.Add(1)
		c.notifyArrival()
		<-rel
		p.state.Store(int32(StateRunning))
	}
}

// EnterNative marks the thread as outside managed code. The thread must not
// touch the heap until ExitNative returns.
func (p *Participant) EnterNative() {
	p.state.Store(int32(StateNative))
	p.c.notifyArrival()
}

// ExitNative returns the thread to managed code, blocking first if a
// safepoint operation is in progress.
func (p *Participant) ExitNative() {
	for {
		if p.state.CompareAndSwap(int32(StateNative), int32(StateRunning)) {
			// The store above and the load below pair with the coordinator's
			// store of armed and load of state: one of the two sides sees
			// the other.
			if p.Pending() {
				p.slowPoll()
			}
			return
		}
		// The coordinator is running a handshake on our behalf.
		runtime.Gosched()
	}
}

// Terminate removes the thread from the protocol.
func (p *Participant) Terminate() {
	p.state.Store(int32(StateTerminated))
	if hs := p.handshake.Load(); hs != nil {
		p.claimHandshake(hs, false)
	}
	p.c.unregister(p)
}

// claimHandshake completes hs for this thread if nobody else has.
func (p *Participant) claimHandshake(hs *handshake, run bool) {
	if !p.handshake.CompareAndSwap(hs, nil) {
		return
	}
	if run {
		hs.fn(p)
	}
	hs.complete()
}

// tryHandshakeOnBehalf runs hs for a thread that is in native code.
func (p *Participant) tryHandshakeOnBehalf(hs *handshake) {
	switch State(p.state.Load()) {
	case StateTerminated:
		p.claimHandshake(hs, false)
	case StateNative:
		if p.state.CompareAndSwap(int32(StateNative), int32(StateScanning)) {
			p.claimHandshake(hs, true)
			p.state.Store(int32(StateNative))
		}
	}
}
