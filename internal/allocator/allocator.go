// Package allocator implements the fixed-unit bitmap allocator that tracks
// free space on a single Device, per spec.md §4.2.
package allocator

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bitset"
	lz4 "github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "allocator")

// ErrNoSpace is returned when no run of the requested length is free.
var ErrNoSpace = fmt.Errorf("allocator: no contiguous free space")

// ErrDoubleFree is a fatal condition per spec.md §7: freeing units that
// are already free indicates a bookkeeping bug upstream.
type ErrDoubleFree struct {
	Start, Count uint
}

func (e *ErrDoubleFree) Error() string {
	return fmt.Sprintf("allocator: double free detected at unit %d, count %d", e.Start, e.Count)
}

// Allocator is a bitmap over a Device's capacity, one bit per fixed-size
// unit. It is exclusively owned by its Device and guarded by a single
// mutex, per spec.md §5's lock-order rule (allocator lock sits below the
// extent lock and above the I/O scheduler queue lock).
type Allocator struct {
	mu   sync.Mutex
	bits *bitset.BitSet

	units         uint
	persistPath   string
	sinceFlush    int
	flushInterval int
}

// Options configure a new or re-opened Allocator.
type Options struct {
	// FlushInterval is how many allocations/frees accumulate before the
	// bitmap is rewritten to disk. Explicit Flush() bypasses this.
	FlushInterval int
}

// New creates an in-memory allocator for a Device with the given unit
// count, persisting to persistPath.
func New(units uint, persistPath string, opts Options) *Allocator {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 64
	}
	return &Allocator{
		bits:          bitset.New(units),
		units:         units,
		persistPath:   persistPath,
		flushInterval: opts.FlushInterval,
	}
}

// Open loads a previously persisted bitmap, or creates a fresh one if none
// exists yet (first attach of a Device).
func Open(units uint, persistPath string, opts Options) (*Allocator, error) {
	a := New(units, persistPath, opts)
	b, err := os.ReadFile(persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("allocator: read bitmap %s: %v", persistPath, err)
	}
	decoded, err := decompressLZ4(b)
	if err != nil {
		return nil, fmt.Errorf("allocator: decompress bitmap %s: %v", persistPath, err)
	}
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(decoded); err != nil {
		return nil, fmt.Errorf("allocator: unmarshal bitmap %s: %v", persistPath, err)
	}
	a.bits = bs
	return a, nil
}

// AllocateContiguous returns the first run of >= n free units (first-fit),
// marking them used.
func (a *Allocator) AllocateContiguous(n uint) (uint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.findContiguousLocked(n)
	if !ok {
		return 0, ErrNoSpace
	}
	for i := start; i < start+n; i++ {
		a.bits.Set(i)
	}
	a.sinceFlush++
	if a.sinceFlush >= a.flushInterval {
		if err := a.flushLocked(); err != nil {
			log.WithError(err).Warn("allocator: periodic flush failed")
		}
		a.sinceFlush = 0
	}
	return start, nil
}

// FreeContiguous releases n units starting at start. Idempotent: freeing an
// already-free unit is detected and reported rather than silently ignored
// or double-counted.
func (a *Allocator) FreeContiguous(start, n uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := start; i < start+n; i++ {
		if !a.bits.Test(i) {
			return &ErrDoubleFree{Start: start, Count: n}
		}
	}
	for i := start; i < start+n; i++ {
		a.bits.Clear(i)
	}
	a.sinceFlush++
	if a.sinceFlush >= a.flushInterval {
		if err := a.flushLocked(); err != nil {
			log.WithError(err).Warn("allocator: periodic flush failed")
		}
		a.sinceFlush = 0
	}
	return nil
}

// FindContiguous inspects without mutating: it returns whether a run of n
// free units currently exists.
func (a *Allocator) FindContiguous(n uint) (uint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findContiguousLocked(n)
}

func (a *Allocator) findContiguousLocked(n uint) (uint, bool) {
	if n == 0 {
		return 0, true
	}
	var run uint
	var runStart uint
	for i := uint(0); i < a.units; i++ {
		if !a.bits.Test(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run >= n {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// FreeUnits returns the number of currently-free units.
func (a *Allocator) FreeUnits() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.units - a.bits.Count()
}

// Flush rewrites the persisted bitmap file atomically (write-temp +
// rename), lz4-framed: the bitmap is rewritten frequently (every
// FlushInterval allocations), so a fast codec keeps the hot path cheap.
func (a *Allocator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Allocator) flushLocked() error {
	if a.persistPath == "" {
		return nil
	}
	raw, err := a.bits.MarshalBinary()
	if err != nil {
		return fmt.Errorf("allocator: marshal bitmap: %v", err)
	}
	compressed, err := compressLZ4(raw)
	if err != nil {
		return fmt.Errorf("allocator: compress bitmap: %v", err)
	}

	tmp := a.persistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(a.persistPath), 0o755); err != nil {
		return fmt.Errorf("allocator: mkdir for bitmap: %v", err)
	}
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("allocator: write temp bitmap: %v", err)
	}
	if err := os.Rename(tmp, a.persistPath); err != nil {
		return fmt.Errorf("allocator: rename bitmap into place: %v", err)
	}
	return nil
}

func compressLZ4(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}
