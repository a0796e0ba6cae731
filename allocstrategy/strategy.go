// Package allocstrategy implements the four pluggable in-metaslab
// offset-search policies from spec.md §4.2: first-fit, dynamic-fit,
// cursor-fit and new-dynamic-fit. Each one is a small stateless value;
// all of their working state (the cursor array) lives on the metaslab
// itself, addressed through the Metaslab interface below, per spec.md
// §3 ("cursor[HIGHBIT_MAX] ... used by strategies").
package allocstrategy

import (
	"math/bits"

	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/rangetree"
)

// highBitMax bounds the per-size-bucket cursor array; a uint64 size
// has at most 64 distinct high bits.
const highBitMax = 64

// cfBucket and ndfBucket reserve dedicated cursor slots for cf and ndf,
// which track a single cursor rather than one per size bucket. Reusing
// slots outside [0, highBitMax) is safe because exactly one strategy
// is ever active on a given metaslab at a time.
const (
	cfBucket  = highBitMax
	ndfBucket = highBitMax + 1
)

// CursorSlots is the size the owning Metaslab's cursor array must be.
const CursorSlots = highBitMax + 2

// Metaslab is the slice of metaslab state a Strategy needs. It is
// implemented by *metaslab.Metaslab; the interface exists so
// allocstrategy has no import-cycle dependency on package metaslab.
type Metaslab interface {
	Tree() *rangetree.Tree
	Size() uint64
	Cursor(bucket int) uint64
	SetCursor(bucket int, offset uint64)
	CursorEnd() uint64
	SetCursorEnd(offset uint64)
}

// Strategy is the pluggable in-metaslab offset-search policy
// (spec.md §4.2).
type Strategy interface {
	Name() string
	// Alloc returns an offset for size bytes within ms, or ok=false if
	// none is available under this strategy.
	Alloc(ms Metaslab, size uint64) (offset uint64, ok bool)
	// Fragmented reports whether ms, under this strategy, is
	// considered fragmented enough that higher layers should demote
	// its weight preference (spec.md §4.2, §4.3).
	Fragmented(ms Metaslab) bool
}

func bucketOf(alignedSize uint64) int {
	return bits.Len64(alignedSize) - 1
}

// align returns the largest power of two dividing size.
func align(size uint64) uint64 {
	return size & (-size)
}

// scanOffsetOrder scans ms's free tree in ascending offset order
// starting at/after `from`, returning the first extent whose
// align-rounded start leaves room for size bytes.
func scanOffsetOrder(ms Metaslab, from, size, alignTo uint64) (uint64, bool) {
	off := from
	for {
		ext, ok := ms.Tree().ExtentAt(off)
		if !ok {
			return 0, false
		}
		start := ext.Start
		if start < off {
			start = off
		}
		aligned := alignUpTo(start, alignTo)
		if aligned+size <= ext.End() {
			return aligned, true
		}
		off = ext.End()
	}
}

func alignUpTo(x, alignTo uint64) uint64 {
	if alignTo <= 1 {
		return x
	}
	return (x + alignTo - 1) &^ (alignTo - 1)
}

// FirstFit implements spec.md §4.2's ff strategy.
type FirstFit struct{}

func (FirstFit) Name() string { return "first-fit" }

func (FirstFit) Alloc(ms Metaslab, size uint64) (uint64, bool) {
	return firstFitAlloc(ms, size)
}

func firstFitAlloc(ms Metaslab, size uint64) (uint64, bool) {
	a := align(size)
	bucket := bucketOf(a)

	if off, ok := scanOffsetOrder(ms, ms.Cursor(bucket), size, a); ok {
		ms.SetCursor(bucket, off+size)
		return off, true
	}

	// Exhausted from the cursor - reset to 0 and retry once.
	if off, ok := scanOffsetOrder(ms, 0, size, a); ok {
		ms.SetCursor(bucket, off+size)
		return off, true
	}

	ms.SetCursor(bucket, 0)
	return 0, false
}

func (FirstFit) Fragmented(ms Metaslab) bool {
	return false
}

// DynamicFit implements spec.md §4.2's df strategy, the default.
type DynamicFit struct {
	Conf config.Tunables
}

func NewDynamicFit(conf config.Tunables) DynamicFit {
	return DynamicFit{Conf: conf}
}

func (DynamicFit) Name() string { return "dynamic-fit" }

func (df DynamicFit) useFirstFit(ms Metaslab) bool {
	maxSize := ms.Tree().MaxSize()
	if maxSize < df.Conf.DfAllocThreshold {
		return false
	}
	percentFree := percentOf(ms.Tree().Space(), ms.Size())
	return percentFree >= df.Conf.DfFreePct
}

func (df DynamicFit) Alloc(ms Metaslab, size uint64) (uint64, bool) {
	if ms.Tree().MaxSize() < size {
		return 0, false
	}

	if df.useFirstFit(ms) {
		return firstFitAlloc(ms, size)
	}

	a := align(size)
	ms.SetCursor(bucketOf(a), 0)

	ext, off, ok := ms.Tree().BestFitAligned(size, a)
	if !ok {
		return 0, false
	}
	_ = ext
	return off, true
}

func (df DynamicFit) Fragmented(ms Metaslab) bool {
	return !df.useFirstFit(ms)
}

func percentOf(part, whole uint64) uint64 {
	if whole == 0 {
		return 0
	}
	return part * 100 / whole
}

// CursorFit implements spec.md §4.2's cf strategy.
type CursorFit struct{}

func (CursorFit) Name() string { return "cursor-fit" }

func (CursorFit) Alloc(ms Metaslab, size uint64) (uint64, bool) {
	if ms.Tree().MaxSize() < size {
		return 0, false
	}

	cursor, end := ms.Cursor(cfBucket), ms.CursorEnd()
	if cursor+size <= end {
		ms.SetCursor(cfBucket, cursor+size)
		return cursor, true
	}

	// The current extent is exhausted; take the largest remaining one.
	ext, off, ok := ms.Tree().LargestAligned(1)
	if !ok || off+size > ext.End() {
		return 0, false
	}
	ms.SetCursor(cfBucket, off+size)
	ms.SetCursorEnd(ext.End())
	return off, true
}

func (CursorFit) Fragmented(ms Metaslab) bool {
	return ms.Tree().MaxSize() == 0
}

// NewDynamicFit implements spec.md §4.2's ndf strategy.
type NewDynamicFit struct {
	ClumpShift uint
}

func NewNewDynamicFit(clumpShift uint) NewDynamicFit {
	return NewDynamicFit{ClumpShift: clumpShift}
}

func (NewDynamicFit) Name() string { return "new-dynamic-fit" }

func (ndf NewDynamicFit) Alloc(ms Metaslab, size uint64) (uint64, bool) {
	cursor := ms.Cursor(ndfBucket)

	if ext, ok := ms.Tree().ExtentAt(cursor); ok {
		start := ext.Start
		if start < cursor {
			start = cursor
		}
		if start+size <= ext.End() {
			ms.SetCursor(ndfBucket, start+size)
			return start, true
		}
	}

	// Too small at the cursor - fall back to the size tree, bounded to
	// [size, 2^(highbit(size)+clumpShift)] so we don't fragment a huge
	// extent to serve a tiny request.
	upper := size << ndf.ClumpShift
	if bits.Len64(size)+int(ndf.ClumpShift) >= 64 {
		upper = ^uint64(0)
	} else {
		upper = uint64(1) << uint(bits.Len64(size)+int(ndf.ClumpShift)-1)
		if upper < size {
			upper = ^uint64(0)
		}
	}

	ext, ok := ms.Tree().CeilingSize(size)
	if !ok || ext.Size > upper {
		return 0, false
	}

	ms.SetCursor(ndfBucket, ext.Start+size)
	return ext.Start, true
}

func (NewDynamicFit) Fragmented(ms Metaslab) bool {
	return false
}
