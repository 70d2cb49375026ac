// Package config handles kiln.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"
)

// FileName is the name of the configuration file looked up by Load.
const FileName = "kiln.toml"

// Config is the complete runtime configuration.
type Config struct {
	Heap        Heap        `toml:"heap"`
	GC          GC          `toml:"gc"`
	Tiering     Tiering     `toml:"tiering"`
	Safepoint   Safepoint   `toml:"safepoint"`
	Diagnostics Diagnostics `toml:"diagnostics"`

	// Dir is the directory containing the kiln.toml file (set at load time).
	Dir string `toml:"-"`
}

// Heap sizes the object heap.
type Heap struct {
	Size           Size `toml:"size"`
	YoungPercent   int  `toml:"young-percent"`
	SurvivorRatio  int  `toml:"survivor-ratio"`
	TLABSize       Size `toml:"tlab-size"`
	LargeObject    Size `toml:"large-object"`
	ReservePercent int  `toml:"reserve-percent"`
	HandleCache    int  `toml:"handle-cache"`
}

// Trigger modes for allocation-driven collections.
const (
	TriggerSync  = "sync"
	TriggerAsync = "async"
)

// GC selects the collector policy.
type GC struct {
	Generational        bool     `toml:"generational"`
	Moving              bool     `toml:"moving"`
	Concurrent          bool     `toml:"concurrent"`
	ParallelThreads     int      `toml:"parallel-threads"`
	Trigger             string   `toml:"trigger"`
	InitiatingOccupancy int      `toml:"initiating-occupancy"`
	TenuringThreshold   int      `toml:"tenuring-threshold"`
	Interval            Duration `toml:"interval"`
	Verify              bool     `toml:"verify"`
}

// Tiering configures the compiler dispatcher. Thresholds are policy, not
// part of any correctness contract.
type Tiering struct {
	Enabled                  bool   `toml:"enabled"`
	Tier1InvocationThreshold uint32 `toml:"tier1-invocation-threshold"`
	Tier1BackEdgeThreshold   uint32 `toml:"tier1-backedge-threshold"`
	Tier2InvocationThreshold uint32 `toml:"tier2-invocation-threshold"`
	Tier2BackEdgeThreshold   uint32 `toml:"tier2-backedge-threshold"`
	PerUnitTrapLimit         int    `toml:"per-unit-trap-limit"`
	CompilerThreads          int    `toml:"compiler-threads"`
	QueueSize                int    `toml:"queue-size"`
	BackgroundCompilation    bool   `toml:"background-compilation"`
}

// Safepoint configures the safepoint coordinator.
type Safepoint struct {
	Timeout Duration `toml:"timeout"`
}

// Diagnostics configures the event journal.
type Diagnostics struct {
	Journal   string `toml:"journal"`
	RingSize  int    `toml:"ring-size"`
	Verbosity int    `toml:"verbosity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	threads := runtime.NumCPU() / 2
	if threads < 1 {
		threads = 1
	}
	return &Config{
		Heap: Heap{
			Size:           64 * MB,
			YoungPercent:   33,
			SurvivorRatio:  8,
			TLABSize:       32 * KB,
			LargeObject:    16 * KB,
			ReservePercent: 10,
			HandleCache:    256,
		},
		GC: GC{
			Generational:        true,
			Moving:              true,
			ParallelThreads:     threads,
			Trigger:             TriggerSync,
			InitiatingOccupancy: 45,
			TenuringThreshold:   6,
		},
		Tiering: Tiering{
			Enabled:                  true,
			Tier1InvocationThreshold: 200,
			Tier1BackEdgeThreshold:   7000,
			Tier2InvocationThreshold: 5000,
			Tier2BackEdgeThreshold:   40000,
			PerUnitTrapLimit:         4,
			CompilerThreads:          2,
			QueueSize:                256,
			BackgroundCompilation:    true,
		},
		Safepoint: Safepoint{
			Timeout: Duration(10 * time.Second),
		},
		Diagnostics: Diagnostics{
			RingSize: 1024,
		},
	}
}

// Load parses a kiln.toml file from the given directory. Keys absent from
// the file keep their default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes TOML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(string(data), c); err != nil {
		return nil, err
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a kiln.toml file, then loads
// it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validation errors.
var (
	ErrHeapTooSmall       = errors.New("heap size too small")
	ErrInvalidPercent     = errors.New("percentage out of range")
	ErrConcurrentPolicy   = errors.New("concurrent collection requires a non-generational, non-moving heap")
	ErrInvalidTrigger     = errors.New("unknown gc trigger")
	ErrInvalidThresholds  = errors.New("tier2 thresholds must not be below tier1 thresholds")
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
	ErrInvalidRatio       = errors.New("survivor ratio must be positive")
	ErrInvalidQueueSize   = errors.New("compile queue size must be positive")
)

// MinHeapSize is the smallest accepted heap.
const MinHeapSize = 64 * KB

// normalize raises file values that have an obvious minimum to it.
func (c *Config) normalize() {
	if c.Heap.SurvivorRatio < 1 {
		c.Heap.SurvivorRatio = 1
	}
	if c.Tiering.QueueSize < 1 {
		c.Tiering.QueueSize = 1
	}
}

// Validate checks the configuration for inconsistent policies. It does not
// modify c.
func (c *Config) Validate() error {
	if c.Heap.Size < MinHeapSize {
		return fmt.Errorf("%w: %s", ErrHeapTooSmall, c.Heap.Size)
	}
	if c.Heap.YoungPercent <= 0 || c.Heap.YoungPercent >= 100 {
		return fmt.Errorf("%w: young-percent=%d", ErrInvalidPercent, c.Heap.YoungPercent)
	}
	if c.Heap.ReservePercent < 0 || c.Heap.ReservePercent >= 50 {
		return fmt.Errorf("%w: reserve-percent=%d", ErrInvalidPercent, c.Heap.ReservePercent)
	}
	if c.GC.InitiatingOccupancy <= 0 || c.GC.InitiatingOccupancy > 100 {
		return fmt.Errorf("%w: initiating-occupancy=%d", ErrInvalidPercent, c.GC.InitiatingOccupancy)
	}
	if c.Heap.SurvivorRatio < 1 {
		return fmt.Errorf("%w: survivor-ratio=%d", ErrInvalidRatio, c.Heap.SurvivorRatio)
	}
	if c.GC.Concurrent && (c.GC.Generational || c.GC.Moving) {
		return ErrConcurrentPolicy
	}
	if c.GC.Trigger != TriggerSync && c.GC.Trigger != TriggerAsync {
		return fmt.Errorf("%w: %q", ErrInvalidTrigger, c.GC.Trigger)
	}
	if c.GC.ParallelThreads < 1 || c.Tiering.CompilerThreads < 1 {
		return ErrInvalidWorkerCount
	}
	t := c.Tiering
	if t.Tier2InvocationThreshold < t.Tier1InvocationThreshold || t.Tier2BackEdgeThreshold < t.Tier1BackEdgeThreshold {
		return ErrInvalidThresholds
	}
	if c.Tiering.QueueSize < 1 {
		return fmt.Errorf("%w: queue-size=%d", ErrInvalidQueueSize, c.Tiering.QueueSize)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Value types
// ---------------------------------------------------------------------------

// Size is a byte count written as a human string ("64MB") in TOML.
type Size uint64

// Byte size units.
const (
	B  Size = 1
	KB Size = 1 << 10
	MB Size = 1 << 20
	GB Size = 1 << 30
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	b, err := bytesize.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(b)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// String formats the size with binary units.
func (s Size) String() string {
	return bytesize.ByteSize(s).String()
}

// Words returns the size in 8-byte words.
func (s Size) Words() int {
	return int(s / 8)
}

// Duration is a time.Duration written as a string ("250ms") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
