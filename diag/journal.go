package diag

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/gc"
	"github.com/chazu/kiln/tier"
)

const queueSize = 256

// Journal numbers records, keeps the most recent ones in a ring and hands
// every record to its sinks on a writer goroutine. Appending never blocks:
// when the writer falls behind, records still reach the ring but are not
// persisted.
type Journal struct {
	run uuid.UUID
	seq atomic.Uint64

	mu   sync.Mutex
	ring []Record
	next int
	full bool

	sinks []Sink
	queue chan *Record
	done  chan struct{}

	pendMu   sync.Mutex
	pendCond *sync.Cond
	pending  int

	dropped, failed atomic.Uint64
	closeOnce       sync.Once
	closeErr        error
}

// JournalStats are cumulative journal counters.
type JournalStats struct {
	Records uint64
	Dropped uint64 // not persisted because the writer fell behind
	Failed  uint64 // rejected by a sink
}

// NewJournal creates a journal keeping the last size records in memory.
func NewJournal(size int, sinks ...Sink) *Journal {
	if size < 1 {
		size = 1
	}
	j := &Journal{
		run:   uuid.New(),
		ring:  make([]Record, size),
		sinks: sinks,
		queue: make(chan *Record, queueSize),
		done:  make(chan struct{}),
	}
	j.pendCond = sync.NewCond(&j.pendMu)
	go j.writer()
	log.Infof("journal run %s, %d sinks", j.run, len(sinks))
	return j
}

// OpenJournal creates a journal from configuration. A journal path ending
// in .db or .sqlite selects a SQLite sink; any other path a CBOR stream
// file; an empty path keeps records in memory only.
func OpenJournal(cfg config.Diagnostics) (*Journal, error) {
	var sinks []Sink
	if path := cfg.Journal; path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".db", ".sqlite", ".sqlite3":
			s, err := OpenSQLiteSink(path)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			s, err := CreateStreamSink(path)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
	}
	return NewJournal(cfg.RingSize, sinks...), nil
}

// Run returns the id shared by every record of this journal.
func (j *Journal) Run() uuid.UUID { return j.run }

// Append stamps r with the run id, the next sequence number and the current
// time, and records it.
func (j *Journal) Append(r Record) Record {
	r.Run = j.run.String()
	r.Time = time.Now().UnixNano()

	j.mu.Lock()
	// Numbered under the ring lock so the ring stays in sequence order.
	r.Seq = j.seq.Add(1)
	j.ring[j.next] = r
	j.next = (j.next + 1) % len(j.ring)
	if j.next == 0 {
		j.full = true
	}
	j.mu.Unlock()

	j.pendMu.Lock()
	j.pending++
	j.pendMu.Unlock()
	rec := r
	select {
	case j.queue <- &rec:
	default:
		j.settle()
		if j.dropped.Add(1) == 1 {
			log.Warningf("journal writer behind, records are not being persisted")
		}
	}
	return r
}

func (j *Journal) settle() {
	j.pendMu.Lock()
	j.pending--
	if j.pending == 0 {
		j.pendCond.Broadcast()
	}
	j.pendMu.Unlock()
}

func (j *Journal) writer() {
	defer close(j.done)
	for r := range j.queue {
		for _, s := range j.sinks {
			if err := s.Write(r); err != nil {
				j.failed.Add(1)
				log.Errorf("journal sink: %s", err)
			}
		}
		j.settle()
	}
}

// Flush waits until every appended record has been handed to the sinks.
func (j *Journal) Flush() {
	j.pendMu.Lock()
	for j.pending > 0 {
		j.pendCond.Wait()
	}
	j.pendMu.Unlock()
}

// Recent returns the records still in the ring, oldest first.
func (j *Journal) Recent() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.full {
		return append([]Record(nil), j.ring[:j.next]...)
	}
	out := make([]Record, 0, len(j.ring))
	out = append(out, j.ring[j.next:]...)
	return append(out, j.ring[:j.next]...)
}

// Stats returns a snapshot of the journal counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Records: j.seq.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}

// Close flushes pending records and closes the sinks. Appending after
// Close panics.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.queue)
		<-j.done
		var errs []error
		for _, s := range j.sinks {
			errs = append(errs, s.Close())
		}
		j.closeErr = errors.Join(errs...)
	})
	return j.closeErr
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// RecordGC journals a completed collection.
func (j *Journal) RecordGC(ev gc.Event) {
	j.Append(Record{Kind: KindGC, GC: NewGCRecord(ev)})
}

// RecordTier journals a tier transition.
func (j *Journal) RecordTier(ev tier.Event) {
	j.Append(Record{Kind: KindTier, Tier: NewTierRecord(ev)})
}

// RecordHistogram journals a class histogram.
func (j *Journal) RecordHistogram(hg *Histogram) {
	j.Append(Record{Kind: KindHistogram, Histogram: hg})
}

// Hooks returns collector hooks that journal every completed cycle.
func (j *Journal) Hooks() gc.Hooks {
	return gc.Hooks{Done: j.RecordGC}
}

// Watch subscribes the journal to a collector and a dispatcher. Either may
// be nil.
func (j *Journal) Watch(c *gc.Collector, d *tier.Dispatcher) {
	if c != nil {
		c.AddHooks(j.Hooks())
	}
	if d != nil {
		d.OnEvent(j.RecordTier)
	}
}
