// Package rangetree implements the in-memory free-space representation
// used throughout the allocator: a set of non-overlapping, non-adjacent
// extents of a device's sector address space, dual-indexed by offset
// and by size (spec.md §3, §4.1).
package rangetree

import "fmt"

// Extent is a half-open interval [Start, Start+Size) of 64-bit sector
// offsets on one device. Size is always > 0.
type Extent struct {
	Start uint64
	Size  uint64
}

// End returns the exclusive end offset of the extent.
func (e Extent) End() uint64 {
	return e.Start + e.Size
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d)", e.Start, e.End())
}
