package diag

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/inhies/go-bytesize"

	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
)

// HistogramEntry counts the objects of one type.
type HistogramEntry struct {
	Type      string `cbor:"1,keyasint"`
	Instances int    `cbor:"2,keyasint"`
	Words     int    `cbor:"3,keyasint"`
}

// Bytes returns the entry's footprint.
func (e HistogramEntry) Bytes() bytesize.ByteSize {
	return bytesize.ByteSize(e.Words * 8)
}

// Histogram is a per-type census of the heap, largest footprint first.
type Histogram struct {
	Entries   []HistogramEntry `cbor:"1,keyasint"`
	Instances int              `cbor:"2,keyasint"`
	Words     int              `cbor:"3,keyasint"`
	Live      bool             `cbor:"4,keyasint"` // taken right after a full collection
	Taken     int64            `cbor:"5,keyasint"` // unix nanoseconds
}

// Lookup returns the entry for a type name.
func (hg *Histogram) Lookup(name string) (HistogramEntry, bool) {
	for _, e := range hg.Entries {
		if e.Type == name {
			return e, true
		}
	}
	return HistogramEntry{}, false
}

// Format writes the histogram as a table.
func (hg *Histogram) Format(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "rank\tinstances\tbytes\ttype\t")
	for i, e := range hg.Entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t\n", i+1, e.Instances, e.Bytes(), e.Type)
	}
	fmt.Fprintf(tw, "total\t%d\t%s\t\t\n", hg.Instances, bytesize.ByteSize(hg.Words*8))
	return tw.Flush()
}

// TakeHistogram walks every space inside a safepoint and counts objects by
// type. requester is the calling thread's participant, or nil when the
// caller is not a managed thread.
func TakeHistogram(coord *safepoint.Coordinator, h *heap.Heap, requester *safepoint.Participant) (*Histogram, error) {
	counts := make(map[string]*HistogramEntry)
	hg := &Histogram{Taken: time.Now().UnixNano()}

	err := coord.Run("heap inspection", requester, func(*safepoint.Operation) {
		h.RetireTLABs()
		for _, s := range h.Spaces() {
			s.Walk(func(off int, hdr heap.Header) bool {
				if hdr.IsFiller() {
					return true
				}
				name := "?"
				if t := h.TypeAt(heap.Loc{Space: s.Index(), Offset: off}); t != nil {
					name = t.Name
				}
				e := counts[name]
				if e == nil {
					e = &HistogramEntry{Type: name}
					counts[name] = e
				}
				e.Instances++
				e.Words += hdr.Size()
				return true
			})
		}
	})
	if err != nil {
		return nil, err
	}

	for _, e := range counts {
		hg.Entries = append(hg.Entries, *e)
		hg.Instances += e.Instances
		hg.Words += e.Words
	}
	sort.Slice(hg.Entries, func(i, j int) bool {
		a, b := hg.Entries[i], hg.Entries[j]
		if a.Words != b.Words {
			return a.Words > b.Words
		}
		return a.Type < b.Type
	})
	log.Debugf("histogram: %d types, %d instances", len(hg.Entries), hg.Instances)
	return hg, nil
}

// LiveHistogram runs a full collection with the heap-inspection cause and
// then takes a histogram, so only reachable objects are counted. t may be
// nil when the caller is not a managed thread.
func LiveHistogram(c *gc.Collector, coord *safepoint.Coordinator, h *heap.Heap, t *threads.Thread) (*Histogram, error) {
	if _, err := c.Collect(t, gc.HeapInspection); err != nil {
		return nil, err
	}
	var p *safepoint.Participant
	if t != nil {
		p = t.Participant
	}
	hg, err := TakeHistogram(coord, h, p)
	if err != nil {
		return nil, err
	}
	hg.Live = true
	return hg, nil
}
