package rangetree

import "github.com/fmstephe/metaslab/internal/treap"

// sizeKey orders extents first by Size and then by Start, so the size
// index can answer "smallest extent at least this big" (best-fit) and
// "largest extent" (cf/df fallback) queries without a linear scan.
type sizeKey struct {
	Size  uint64
	Start uint64
}

func lessSizeKey(a, b sizeKey) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Start < b.Start
}

// Tree is an in-memory set of non-overlapping, non-adjacent extents,
// dual-indexed by offset (for coalescing add/remove and in-order walk)
// and by size (for best-fit allocation strategies and "largest free
// segment" queries), per spec.md §3-§4.1.
//
// A Tree has no lock of its own. Exactly as spec.md §4.1 specifies,
// the caller provides the mutual exclusion (a metaslab's mutex, in
// this module); every exported method here assumes the caller already
// holds it.
type Tree struct {
	offset *treap.Treap[uint64, Extent]
	size   *treap.Treap[sizeKey, Extent]

	totalSpace uint64
	hist       Histogram
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{
		offset: treap.New[uint64, Extent](func(a, b uint64) bool { return a < b }),
		size:   treap.New[sizeKey, Extent](lessSizeKey),
	}
}

// Destroy releases the tree's internal storage. The Tree may be reused
// as an empty tree afterwards; Destroy exists for symmetry with
// metaslab lifecycle teardown (spec.md §4.1 "destroy"), Go's GC does
// the rest.
func (t *Tree) Destroy() {
	t.offset.Reset()
	t.size.Reset()
	t.totalSpace = 0
	t.hist.reset()
}

// Add inserts the extent [start, start+size) into the tree, merging
// with any abutting neighbors so the tree never holds adjacent
// extents. Adding a range that overlaps an existing extent is a
// contract violation (e.g. a double free) and panics.
func (t *Tree) Add(start, size uint64) {
	if size == 0 {
		panic("rangetree: add of zero-size extent")
	}

	newStart, newEnd := start, start+size

	if _, lv, ok := t.offset.Floor(newStart); ok {
		if lv.End() > newStart {
			panic("rangetree: add overlaps existing extent " + lv.String())
		}
		if lv.End() == newStart {
			newStart = lv.Start
			t.eraseExtent(lv)
		}
	}

	if _, rv, ok := t.offset.Ceiling(newStart); ok {
		if rv.Start < newEnd {
			panic("rangetree: add overlaps existing extent " + rv.String())
		}
		if rv.Start == newEnd {
			newEnd = rv.End()
			t.eraseExtent(rv)
		}
	}

	t.insertExtent(Extent{Start: newStart, Size: newEnd - newStart})
}

// Remove deletes the extent [start, start+size) from the tree. The
// requested range must be fully contained within exactly one existing
// extent; it is split into up to two residual extents. Removing a
// range that is not wholly covered by one existing extent is a
// contract violation and panics.
func (t *Tree) Remove(start, size uint64) {
	if size == 0 {
		panic("rangetree: remove of zero-size extent")
	}
	reqEnd := start + size

	_, cov, ok := t.offset.Floor(start)
	if !ok || cov.End() < reqEnd {
		panic("rangetree: remove range not contained in a single extent")
	}

	t.eraseExtent(cov)

	if cov.Start < start {
		t.insertExtent(Extent{Start: cov.Start, Size: start - cov.Start})
	}
	if cov.End() > reqEnd {
		t.insertExtent(Extent{Start: reqEnd, Size: cov.End() - reqEnd})
	}
}

// Contains reports whether [start, start+size) is entirely covered by
// one extent currently in the tree.
func (t *Tree) Contains(start, size uint64) bool {
	_, cov, ok := t.offset.Floor(start)
	if !ok {
		return false
	}
	return cov.Start <= start && cov.End() >= start+size
}

// Space returns the total number of bytes (sectors, really - see
// spec.md's ashift alignment) covered by extents currently in the
// tree.
func (t *Tree) Space() uint64 {
	return t.totalSpace
}

// MaxSize returns the size of the largest extent in the tree, or 0 if
// the tree is empty.
func (t *Tree) MaxSize() uint64 {
	_, ext, ok := t.size.Max()
	if !ok {
		return 0
	}
	return ext.Size
}

// CeilingSize returns the smallest extent whose size is at least
// minSize, the classic best-fit query used by the ndf strategy's
// size-tree fallback (spec.md §4.2).
func (t *Tree) CeilingSize(minSize uint64) (Extent, bool) {
	_, ext, ok := t.size.Ceiling(sizeKey{Size: minSize, Start: 0})
	return ext, ok
}

// CeilingOffset returns the extent with the least Start >= off.
func (t *Tree) CeilingOffset(off uint64) (Extent, bool) {
	_, ext, ok := t.offset.Ceiling(off)
	return ext, ok
}

// ExtentAt returns the extent covering or following off: the extent
// containing off if one exists, else the next extent in offset order.
// This is the query the ff and ndf strategies use to resume scanning
// from a cursor that may point into the middle of an extent (spec.md
// §4.2).
func (t *Tree) ExtentAt(off uint64) (Extent, bool) {
	if _, ext, ok := t.offset.Floor(off); ok && ext.End() > off {
		return ext, true
	}
	return t.CeilingOffset(off)
}

// maxAlignedScan bounds how many successively larger size-tree
// candidates BestFitAligned will examine before giving up. Extents are
// ashift-aligned at their natural boundaries already; this only
// absorbs the rarer case where a strategy's own (coarser) alignment
// requirement pushes an otherwise-big-enough extent just short.
const maxAlignedScan = 64

// BestFitAligned returns the smallest extent, at or above minSize,
// whose start can be rounded up to a multiple of align and still leave
// room for minSize bytes. It is the alignment-aware counterpart of
// CeilingSize used by the df strategy's best-fit mode (spec.md §4.2).
func (t *Tree) BestFitAligned(minSize, align uint64) (Extent, uint64, bool) {
	key := sizeKey{Size: minSize, Start: 0}
	for i := 0; i < maxAlignedScan; i++ {
		k, ext, ok := t.size.Ceiling(key)
		if !ok {
			return Extent{}, 0, false
		}
		alignedStart := alignUp(ext.Start, align)
		if alignedStart+minSize <= ext.End() {
			return ext, alignedStart, true
		}
		key, _, ok = t.size.Above(k)
		if !ok {
			return Extent{}, 0, false
		}
		_ = ok
	}
	return Extent{}, 0, false
}

// LargestAligned returns the largest extent in the tree together with
// its start rounded up to a multiple of align, the query cf uses once
// its current cursor extent is exhausted.
func (t *Tree) LargestAligned(align uint64) (Extent, uint64, bool) {
	_, ext, ok := t.size.Max()
	if !ok {
		return Extent{}, 0, false
	}
	return ext, alignUp(ext.Start, align), true
}

func alignUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// Histogram returns a snapshot of the tree's size histogram.
func (t *Tree) Histogram() Histogram {
	return t.hist
}

// Walk visits every extent in ascending offset order. Visiting stops
// early if fn returns false.
func (t *Tree) Walk(fn func(ext Extent) bool) {
	t.offset.InOrder(func(_ uint64, ext Extent) bool {
		return fn(ext)
	})
}

// Vacate calls fn (if non-nil) for every extent in the tree, typically
// to add each one into another tree, then empties this tree. The
// indices are reinitialized wholesale rather than by removing nodes
// one at a time (spec.md §4.1).
func (t *Tree) Vacate(fn func(ext Extent)) {
	if fn != nil {
		t.offset.InOrder(func(_ uint64, ext Extent) bool {
			fn(ext)
			return true
		})
	}
	t.offset.Reset()
	t.size.Reset()
	t.totalSpace = 0
	t.hist.reset()
}

// Swap exchanges the full contents of t and other in O(1), the way
// spec.md §4.1 specifies: "O(1) pointer swap of both indices."
func (t *Tree) Swap(other *Tree) {
	t.offset, other.offset = other.offset, t.offset
	t.size, other.size = other.size, t.size
	t.totalSpace, other.totalSpace = other.totalSpace, t.totalSpace
	t.hist, other.hist = other.hist, t.hist
}

// Verify walks the tree checking the non-overlap, non-adjacency, and
// positive-size invariants that every Tree must maintain (spec.md §8
// properties 2-3). It is a debug aid, not called on any hot path.
func (t *Tree) Verify() error {
	var prev *Extent
	var sum uint64
	var err error
	t.offset.InOrder(func(_ uint64, ext Extent) bool {
		if ext.Size == 0 {
			err = errVerify("zero-size extent " + ext.String())
			return false
		}
		if prev != nil && ext.Start <= prev.End() {
			err = errVerify("overlapping or adjacent extents " + prev.String() + " and " + ext.String())
			return false
		}
		sum += ext.Size
		e := ext
		prev = &e
		return true
	})
	if err != nil {
		return err
	}
	if sum != t.totalSpace {
		return errVerify("cached space does not match walked sum")
	}
	return nil
}

func errVerify(msg string) error {
	return verifyError(msg)
}

type verifyError string

func (e verifyError) Error() string { return "rangetree: " + string(e) }

func (t *Tree) insertExtent(ext Extent) {
	t.offset.Insert(ext.Start, ext)
	t.size.Insert(sizeKey{Size: ext.Size, Start: ext.Start}, ext)
	t.totalSpace += ext.Size
	t.hist.add(ext.Size)
}

func (t *Tree) eraseExtent(ext Extent) {
	t.offset.Delete(ext.Start)
	t.size.Delete(sizeKey{Size: ext.Size, Start: ext.Start})
	t.totalSpace -= ext.Size
	t.hist.remove(ext.Size)
}
