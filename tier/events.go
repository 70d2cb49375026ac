package tier

import (
	"github.com/chazu/kiln/jit"
)

// EventKind classifies dispatcher events.
type EventKind int

const (
	EventInstalled EventKind = iota
	EventDeoptimized
	EventInvalidated
	EventDropped
)

func (k EventKind) String() string {
	switch k {
	case EventInstalled:
		return "installed"
	case EventDeoptimized:
		return "deoptimized"
	case EventInvalidated:
		return "invalidated"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event describes a tier transition of one unit.
type Event struct {
	Kind   EventKind
	Unit   int
	Name   string
	Tier   jit.Tier
	Reason string
}

// OnEvent registers fn to be called for every tier transition. fn runs on
// the thread that caused the transition and must not call back into the
// dispatcher.
func (d *Dispatcher) OnEvent(fn func(Event)) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Dispatcher) emit(ev Event) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}
