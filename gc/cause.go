package gc

// Cause says why a collection ran.
type Cause int

const (
	// AllocationFailure: an allocation could not be satisfied.
	AllocationFailure Cause = iota
	// OccupancyThreshold: the allocation space crossed the initiating
	// occupancy and the background trigger woke up.
	OccupancyThreshold
	// Explicit: requested by the program or the embedder.
	Explicit
	// HeapInspection: a class histogram or heap dump needs a parseable,
	// collected heap.
	HeapInspection
	// LastDitch: a full, compacting collection before reporting out of
	// memory.
	LastDitch
	// Periodic: the background trigger's timer fired.
	Periodic
	// WarmUp: requested while the runtime starts up.
	WarmUp
	// NoGC: placeholder for events not tied to a collection.
	NoGC
)

func (c Cause) String() string {
	switch c {
	case AllocationFailure:
		return "allocation failure"
	case OccupancyThreshold:
		return "occupancy threshold"
	case Explicit:
		return "explicit"
	case HeapInspection:
		return "heap inspection"
	case LastDitch:
		return "last ditch"
	case Periodic:
		return "periodic"
	case WarmUp:
		return "warm up"
	case NoGC:
		return "no gc"
	default:
		return "unknown"
	}
}

// IsUserRequested reports whether the program asked for the collection.
func (c Cause) IsUserRequested() bool { return c == Explicit }

// IsServiceabilityRequested reports whether a diagnostic tool asked for it.
func (c Cause) IsServiceabilityRequested() bool { return c == HeapInspection }

// requiresFull reports whether the cause always gets a full collection.
func (c Cause) requiresFull() bool {
	switch c {
	case Explicit, HeapInspection, LastDitch, WarmUp:
		return true
	}
	return false
}

// Kind is the shape of a collection.
type Kind int

const (
	KindYoung Kind = iota
	KindFull
	KindConcurrent
)

func (k Kind) String() string {
	switch k {
	case KindYoung:
		return "young"
	case KindFull:
		return "full"
	case KindConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}
