// Package diag records what the runtime does: collection cycles and tier
// transitions go into a journal that keeps the recent past in memory and
// can persist it as a CBOR stream or in SQLite. It also takes class
// histograms of the heap.
package diag

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/tier"
)

var log = commonlog.GetLogger("kiln.diag")

// Kind says which payload a record carries.
type Kind uint8

const (
	KindGC Kind = iota + 1
	KindTier
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindGC:
		return "gc"
	case KindTier:
		return "tier"
	case KindHistogram:
		return "histogram"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is one journal entry. Seq is dense per run, starting at 1.
type Record struct {
	Run       string      `cbor:"1,keyasint"`
	Seq       uint64      `cbor:"2,keyasint"`
	Time      int64       `cbor:"3,keyasint"` // unix nanoseconds
	Kind      Kind        `cbor:"4,keyasint"`
	GC        *GCRecord   `cbor:"5,keyasint,omitempty"`
	Tier      *TierRecord `cbor:"6,keyasint,omitempty"`
	Histogram *Histogram  `cbor:"7,keyasint,omitempty"`
}

// At returns the record's timestamp.
func (r *Record) At() time.Time { return time.Unix(0, r.Time) }

func (r *Record) String() string {
	switch {
	case r.GC != nil:
		g := r.GC
		return fmt.Sprintf("#%d gc %d %s (%s): %d -> %d words, pause %s",
			r.Seq, g.Cycle, g.Kind, g.Cause, g.LiveBefore, g.LiveAfter, time.Duration(g.Pause))
	case r.Tier != nil:
		t := r.Tier
		s := fmt.Sprintf("#%d %s %s#%d at %s", r.Seq, t.Event, t.Name, t.Unit, t.Tier)
		if t.Reason != "" {
			s += ": " + t.Reason
		}
		return s
	case r.Histogram != nil:
		return fmt.Sprintf("#%d histogram: %d types, %d instances, %d words",
			r.Seq, len(r.Histogram.Entries), r.Histogram.Instances, r.Histogram.Words)
	default:
		return fmt.Sprintf("#%d %s", r.Seq, r.Kind)
	}
}

// GCRecord is a completed collection cycle. Sizes are in words.
type GCRecord struct {
	Cycle        uint64 `cbor:"1,keyasint"`
	Cause        string `cbor:"2,keyasint"`
	Kind         string `cbor:"3,keyasint"`
	LiveBefore   int    `cbor:"4,keyasint"`
	LiveAfter    int    `cbor:"5,keyasint"`
	Freed        int    `cbor:"6,keyasint"`
	FreedObjects int    `cbor:"7,keyasint"`
	Promoted     int    `cbor:"8,keyasint"`
	Pause        int64  `cbor:"9,keyasint"` // nanoseconds
	UserRequest  bool   `cbor:"10,keyasint,omitempty"`
}

// NewGCRecord converts a collector event.
func NewGCRecord(ev gc.Event) *GCRecord {
	return &GCRecord{
		Cycle:        ev.Cycle,
		Cause:        ev.Cause.String(),
		Kind:         ev.Kind.String(),
		LiveBefore:   ev.LiveBefore,
		LiveAfter:    ev.LiveAfter,
		Freed:        ev.Freed,
		FreedObjects: ev.FreedObjects,
		Promoted:     ev.Promoted,
		Pause:        int64(ev.Pause),
		UserRequest:  ev.Cause.IsUserRequested(),
	}
}

// TierRecord is a tier transition of one unit.
type TierRecord struct {
	Event  string `cbor:"1,keyasint"`
	Unit   int    `cbor:"2,keyasint"`
	Name   string `cbor:"3,keyasint"`
	Tier   string `cbor:"4,keyasint"`
	Reason string `cbor:"5,keyasint,omitempty"`
}

// NewTierRecord converts a dispatcher event.
func NewTierRecord(ev tier.Event) *TierRecord {
	return &TierRecord{
		Event:  ev.Kind.String(),
		Unit:   ev.Unit,
		Name:   ev.Name,
		Tier:   ev.Tier.String(),
		Reason: ev.Reason,
	}
}

// Canonical mode keeps encodings deterministic, so equal records encode to
// equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("diag: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalRecord serializes a record to CBOR bytes.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord deserializes a record from CBOR bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("diag: unmarshal record: %w", err)
	}
	return &r, nil
}
