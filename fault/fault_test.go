package fault

import (
	"errors"
	"testing"
)

func TestSetHandlerRecordsFaults(t *testing.T) {
	rec := &Recorder{}
	prev := SetHandler(rec.Handle)
	defer SetHandler(prev)

	Fatal(Corrupt("handle %d points outside space", 7))
	Fatal(ErrSafepointTimeout)

	faults := rec.Faults()
	if len(faults) != 2 {
		t.Fatalf("Expected 2 faults, got %d", len(faults))
	}
	if !errors.Is(faults[0], ErrCorruptHeap) {
		t.Errorf("First fault should wrap ErrCorruptHeap, got %v", faults[0])
	}
	if !errors.Is(faults[1], ErrSafepointTimeout) {
		t.Errorf("Second fault should be ErrSafepointTimeout, got %v", faults[1])
	}
}

func TestSetHandlerNilRestoresDefault(t *testing.T) {
	rec := &Recorder{}
	prev := SetHandler(rec.Handle)
	SetHandler(nil)
	defer SetHandler(prev)

	handlerMu.RLock()
	h := handler
	handlerMu.RUnlock()
	if h == nil {
		t.Fatal("handler should never be nil")
	}
}
