// Kiln CLI - runs built-in workloads on the managed runtime and reports
// collector and tiering statistics.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/diag"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/vm"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = warnings only, 2 = debug)")
	configDir := flag.String("config", "", "Directory holding kiln.toml (default: search upward from the working directory)")
	workload := flag.String("workload", "trees", "Workload to run")
	size := flag.Int("n", 0, "Workload size (0 = the workload's default)")
	threadCount := flag.Int("threads", 1, "Number of threads running the workload")
	journal := flag.String("journal", "", "Journal file (.db for SQLite, anything else for a CBOR stream)")
	histogram := flag.Bool("histogram", false, "Print a live class histogram after the run")
	list := flag.Bool("list", false, "List workloads and exit")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	showJournal := flag.String("show-journal", "", "Print the records of a journal file and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiln [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a built-in workload and prints runtime statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kiln -workload trees -n 16 -histogram\n")
		fmt.Fprintf(os.Stderr, "  kiln -workload sum -threads 4 -journal run.db\n")
		fmt.Fprintf(os.Stderr, "  kiln -show-journal run.db\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if *list {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, wl := range vm.Workloads() {
			fmt.Fprintf(w, "%s\t%d\t%s\n", wl.Name, wl.DefaultSize, wl.Description)
		}
		w.Flush()
		return
	}

	if *showJournal != "" {
		if err := printJournal(*showJournal); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *journal != "" {
		cfg.Diagnostics.Journal = *journal
	}
	if *printConfig {
		if err := cfg.Encode(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	wl, ok := vm.Lookup(*workload)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown workload %q (try -list)\n", *workload)
		os.Exit(1)
	}
	if err := run(cfg, wl, *size, *threadCount, *histogram); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindAndLoad(wd)
}

func run(cfg *config.Config, wl *vm.Workload, size, threadCount int, histogram bool) error {
	v, err := vm.New(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	if threadCount < 1 {
		threadCount = 1
	}
	th := v.Attach("main")
	defer v.Detach(th)

	// Load once up front so worker threads share the units.
	if err := wl.Load(v); err != nil {
		return err
	}

	start := time.Now()
	results := make([]heap.Value, threadCount)
	var g errgroup.Group
	for i := 0; i < threadCount; i++ {
		g.Go(func() error {
			t := v.Attach(fmt.Sprintf("worker-%d", i))
			defer v.Detach(t)
			r, err := wl.Run(v, t, size)
			results[i] = r
			return err
		})
	}
	th.EnterNative()
	err = g.Wait()
	th.ExitNative()
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for i, r := range results {
		fmt.Printf("%s[%d] = %s\n", wl.Name, i, r)
	}
	fmt.Printf("elapsed %s\n\n", elapsed.Round(time.Microsecond))
	printStats(v.Stats())

	if histogram {
		hg, err := v.Histogram(th, true)
		if err != nil {
			return err
		}
		fmt.Println()
		if err := hg.Format(os.Stdout); err != nil {
			return err
		}
	}
	if path := cfg.Diagnostics.Journal; path != "" {
		fmt.Printf("\njournal run %s written to %s\n", v.ID, path)
	}
	return nil
}

func printStats(s vm.Stats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "space\tused\tcapacity\n")
	for _, sp := range s.Heap.Spaces {
		fmt.Fprintf(w, "%s\t%s\t%s\n", sp.Name, words(sp.Used), words(sp.Capacity))
	}
	fmt.Fprintf(w, "\nallocations\t%d\t(%s)\n", s.Heap.Allocations, words(int(s.Heap.AllocatedWords)))
	fmt.Fprintf(w, "live handles\t%d\n", s.Heap.LiveHandles)
	fmt.Fprintf(w, "collections\t%d young, %d full, %d concurrent\n", s.GC.YoungCycles, s.GC.FullCycles, s.GC.ConcurrentCycles)
	fmt.Fprintf(w, "pauses\t%s total, %s max\n", s.GC.TotalPause.Round(time.Microsecond), s.GC.MaxPause.Round(time.Microsecond))
	fmt.Fprintf(w, "freed\t%d objects (%s), %d promoted\n", s.GC.FreedObjects, words(int(s.GC.FreedWords)), s.GC.Promoted)
	fmt.Fprintf(w, "safepoints\t%d, %d handshakes, max sync %s\n", s.Safepoint.Operations, s.Safepoint.Handshakes, s.Safepoint.MaxSyncTime)
	fmt.Fprintf(w, "compiled\t%d tier1, %d tier2 in %s\n", s.Tier.Compiled[1], s.Tier.Compiled[2], s.Tier.CompileTime.Round(time.Microsecond))
	fmt.Fprintf(w, "deopts\t%d, %d invalidations\n", s.Tier.Deopts, s.Tier.Invalidations)
	fmt.Fprintf(w, "journal\t%d records, %d dropped, %d failed\n", s.Journal.Records, s.Journal.Dropped, s.Journal.Failed)
}

// words formats a word count as bytes.
func words(n int) string {
	return bytesize.ByteSize(n * 8).String()
}

func printJournal(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		db, err := diag.OpenSQLiteSink(path)
		if err != nil {
			return err
		}
		defer db.Close()
		runs, err := db.Runs()
		if err != nil {
			return err
		}
		for _, run := range runs {
			recs, err := db.Records(run, 0)
			if err != nil {
				return err
			}
			fmt.Printf("run %s\n", run)
			printRecords(recs)
		}
		return nil
	default:
		recs, err := diag.ReadRecordsFile(path)
		if err != nil {
			return err
		}
		printRecords(recs)
		return nil
	}
}

func printRecords(recs []*diag.Record) {
	for _, r := range recs {
		fmt.Printf("%s  %s\n", r.At().Format(time.RFC3339Nano), r.String())
	}
}
