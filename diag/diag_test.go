package diag

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/jit"
	"github.com/chazu/kiln/safepoint"
	"github.com/chazu/kiln/threads"
	"github.com/chazu/kiln/tier"
)

func gcEvent(cycle uint64) gc.Event {
	return gc.Event{
		Cycle:        cycle,
		Cause:        gc.Explicit,
		Kind:         gc.KindFull,
		LiveBefore:   100,
		LiveAfter:    40,
		Freed:        60,
		FreedObjects: 12,
		Pause:        3 * time.Millisecond,
	}
}

func TestRecordEncodingIsCanonical(t *testing.T) {
	r := &Record{
		Run:  "run",
		Seq:  7,
		Time: 1234,
		Kind: KindGC,
		GC:   NewGCRecord(gcEvent(3)),
	}
	a, err := MarshalRecord(r)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := MarshalRecord(r)
	if !bytes.Equal(a, b) {
		t.Fatal("encoding is not deterministic")
	}
	back, err := UnmarshalRecord(a)
	if err != nil {
		t.Fatal(err)
	}
	if back.Seq != 7 || back.GC == nil || *back.GC != *r.GC {
		t.Errorf("decoded %+v", back)
	}
	if !back.GC.UserRequest || back.GC.Cause != "explicit" {
		t.Errorf("gc record = %+v", back.GC)
	}
	if _, err := UnmarshalRecord([]byte{0xff}); err == nil {
		t.Error("garbage input decoded")
	}
}

func TestRecordString(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Seq: 1, Kind: KindGC, GC: NewGCRecord(gcEvent(2))}, "#1 gc 2 full (explicit): 100 -> 40 words, pause 3ms"},
		{Record{Seq: 2, Kind: KindTier, Tier: &TierRecord{Event: "installed", Unit: 4, Name: "f", Tier: "tier1"}}, "#2 installed f#4 at tier1"},
		{Record{Seq: 3, Kind: KindTier, Tier: &TierRecord{Event: "invalidated", Unit: 4, Name: "f", Tier: "tier2", Reason: "static x changed"}}, "#3 invalidated f#4 at tier2: static x changed"},
		{Record{Seq: 4, Kind: Kind(9)}, "#4 kind(9)"},
	}
	for _, tt := range tests {
		if got := tt.rec.String(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestJournalRingKeepsMostRecent(t *testing.T) {
	j := NewJournal(3)
	defer j.Close()
	for i := 1; i <= 5; i++ {
		j.RecordGC(gcEvent(uint64(i)))
	}
	recent := j.Recent()
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d", len(recent))
	}
	for i, r := range recent {
		if r.Seq != uint64(i+3) || r.GC.Cycle != uint64(i+3) {
			t.Errorf("recent[%d] = seq %d cycle %d", i, r.Seq, r.GC.Cycle)
		}
		if r.Run != j.Run().String() {
			t.Errorf("record run %q", r.Run)
		}
	}
	if s := j.Stats(); s.Records != 5 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestStreamSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(8, NewStreamSink(&buf))
	j.RecordGC(gcEvent(1))
	j.RecordTier(tier.Event{Kind: tier.EventInstalled, Unit: 1, Name: "f", Tier: jit.Tier1})
	j.RecordHistogram(&Histogram{Entries: []HistogramEntry{{Type: "Node", Instances: 2, Words: 10}}, Instances: 2, Words: 10})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	recs, err := ReadRecords(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("read %d records", len(recs))
	}
	kinds := []Kind{KindGC, KindTier, KindHistogram}
	for i, r := range recs {
		if r.Seq != uint64(i+1) || r.Kind != kinds[i] {
			t.Errorf("record %d = seq %d kind %s", i, r.Seq, r.Kind)
		}
	}
	if recs[1].Tier.Tier != "tier1" || recs[2].Histogram.Entries[0].Type != "Node" {
		t.Errorf("payloads = %+v, %+v", recs[1].Tier, recs[2].Histogram)
	}
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(config.Diagnostics{Journal: path, RingSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 6; i++ {
		j.RecordGC(gcEvent(uint64(i)))
	}
	j.RecordTier(tier.Event{Kind: tier.EventDeoptimized, Unit: 2, Name: "g", Tier: jit.Tier2, Reason: "type guard"})
	j.Flush()
	run := j.Run().String()
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := OpenSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	runs, err := db.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0] != run {
		t.Fatalf("runs = %v, want [%s]", runs, run)
	}
	all, err := db.Records(run, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 7 {
		t.Fatalf("stored %d records, want 7", len(all))
	}
	for i, r := range all {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
	}
	tiers, err := db.Records(run, KindTier)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 1 || tiers[0].Tier.Reason != "type guard" {
		t.Errorf("tier records = %v", tiers)
	}
	if _, err := db.Records("missing", 0); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want run not found", err)
	}
}

func TestStreamJournalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	j, err := OpenJournal(config.Diagnostics{Journal: path, RingSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	j.RecordGC(gcEvent(1))
	j.RecordGC(gcEvent(2))
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	recs, err := ReadRecordsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].GC.Cycle != 2 {
		t.Errorf("records = %v", recs)
	}
}

type failingSink struct{ closed bool }

func (s *failingSink) Write(*Record) error { return errors.New("disk full") }
func (s *failingSink) Close() error        { s.closed = true; return nil }

func TestSinkFailuresAreCounted(t *testing.T) {
	s := &failingSink{}
	j := NewJournal(4, s)
	j.RecordGC(gcEvent(1))
	j.RecordGC(gcEvent(2))
	j.Flush()
	if got := j.Stats().Failed; got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}
	if len(j.Recent()) != 2 {
		t.Error("failed records missing from the ring")
	}
	j.Close()
	if !s.closed {
		t.Error("sink not closed")
	}
}

type heapFixture struct {
	heap   *heap.Heap
	coord  *safepoint.Coordinator
	gc     *gc.Collector
	thread *threads.Thread
}

func newHeapFixture(t *testing.T) *heapFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Heap.Size = 256 * config.KB
	cfg.GC.Generational = false
	h, err := heap.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	coord := safepoint.NewCoordinator(time.Second)
	m := threads.NewManager(coord, h)
	th := m.Attach("main")
	t.Cleanup(func() { m.Detach(th) })
	return &heapFixture{heap: h, coord: coord, gc: gc.New(cfg.GC, h, coord, m), thread: th}
}

func TestJournalWatchesCollector(t *testing.T) {
	fx := newHeapFixture(t)
	j := NewJournal(16)
	defer j.Close()
	j.Watch(fx.gc, nil)

	if _, err := fx.gc.Collect(fx.thread, gc.Explicit); err != nil {
		t.Fatal(err)
	}
	recent := j.Recent()
	if len(recent) != 1 || recent[0].Kind != KindGC {
		t.Fatalf("recent = %v", recent)
	}
	g := recent[0].GC
	if g.Cause != "explicit" || g.Kind != "full" || g.Pause <= 0 {
		t.Errorf("gc record = %+v", g)
	}
}

func TestHistogram(t *testing.T) {
	fx := newHeapFixture(t)
	h, tlab := fx.heap, fx.thread.TLAB
	point := h.Types.Register(heap.NewType("Point", "x", "y"))
	array := h.Types.Register(heap.NewArrayType("Array", heap.FieldValue))

	root := fx.thread.PushNative("test")
	for i := 0; i < 3; i++ {
		v, err := h.Allocate(tlab, point, 2)
		if err != nil {
			t.Fatal(err)
		}
		root.AddHandle(v)
	}
	for i := 0; i < 2; i++ {
		v, err := h.Allocate(tlab, array, 10)
		if err != nil {
			t.Fatal(err)
		}
		root.AddHandle(v)
	}
	if _, err := h.Allocate(tlab, point, 2); err != nil {
		t.Fatal(err)
	}

	all, err := TakeHistogram(fx.coord, h, fx.thread.Participant)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := all.Lookup("Point"); !ok || e.Instances != 4 || e.Words != 16 {
		t.Errorf("Point entry = %+v", e)
	}
	if all.Live {
		t.Error("plain histogram marked live")
	}

	live, err := LiveHistogram(fx.gc, fx.coord, h, fx.thread)
	if err != nil {
		t.Fatal(err)
	}
	if ev := fx.gc.LastEvent(); ev == nil || ev.Cause != gc.HeapInspection {
		t.Errorf("last event = %+v", ev)
	}
	if !live.Live || live.Instances != 5 || live.Words != 3*4+2*12 {
		t.Errorf("live histogram = %+v", live)
	}
	// Largest footprint first.
	if live.Entries[0].Type != "Array" || live.Entries[1].Type != "Point" {
		t.Errorf("entries = %+v", live.Entries)
	}

	var out strings.Builder
	if err := live.Format(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"instances", "Array", "Point", "total"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("formatted histogram lacks %q:\n%s", want, out.String())
		}
	}
}
