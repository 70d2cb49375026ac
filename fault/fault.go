// Package fault holds the runtime's fatal error taxonomy.
//
// Only allocation failures are meant to reach user code. Safepoint timeouts
// and heap corruption mean the runtime can no longer reason about a running
// program, so they are routed to Fatal, which terminates the process.
package fault

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kiln.fault")

// Fatal runtime integrity faults.
var (
	ErrSafepointTimeout = errors.New("safepoint timeout")
	ErrCorruptHeap      = errors.New("corrupt heap invariant")
)

// ExitCode is the process exit status used by the default handler.
const ExitCode = 3

// Handler receives fatal faults. The default handler logs and exits.
type Handler func(err error)

var (
	handlerMu sync.RWMutex
	handler   Handler = exitHandler
)

func exitHandler(err error) {
	log.Criticalf("fatal runtime fault: %v", err)
	os.Exit(ExitCode)
}

// SetHandler replaces the fatal handler and returns the previous one.
// Passing nil restores the default.
func SetHandler(h Handler) Handler {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	prev := handler
	if h == nil {
		h = exitHandler
	}
	handler = h
	return prev
}

// Fatal reports a fatal fault. With the default handler it does not return.
func Fatal(err error) {
	handlerMu.RLock()
	h := handler
	handlerMu.RUnlock()
	h(err)
}

// Corrupt builds an ErrCorruptHeap error with context.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptHeap, fmt.Sprintf(format, args...))
}

// Recorder is a Handler that collects faults instead of exiting.
// Tests install it with SetHandler.
type Recorder struct {
	mu     sync.Mutex
	faults []error
}

// Handle records err.
func (r *Recorder) Handle(err error) {
	r.mu.Lock()
	r.faults = append(r.faults, err)
	r.mu.Unlock()
}

// Faults returns a copy of the recorded faults.
func (r *Recorder) Faults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.faults))
	copy(out, r.faults)
	return out
}
