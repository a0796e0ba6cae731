// Package spacemap defines the contract for the on-disk allocation log
// each metaslab appends to (spec.md §6), and ships one reference
// implementation, MemMap, used by this module's own tests and its demo
// command. The real on-disk space-map log format is explicitly out of
// scope for the core allocator (spec.md §1); metaslab and the rest of
// this module depend only on the SpaceMap interface below.
package spacemap

import "github.com/fmstephe/metaslab/rangetree"

// Kind distinguishes the two record types a space map's log can hold.
type Kind int

const (
	// Alloc records that a range became allocated.
	Alloc Kind = iota
	// Free records that a range became free.
	Free
)

func (k Kind) String() string {
	if k == Alloc {
		return "ALLOC"
	}
	return "FREE"
}

// Txn stands in for the DMU transaction collaborator fixed by spec.md
// §6: it names the transaction group a write or truncate belongs to.
// The real transactional commit semantics (atomicity, durability) are
// an external collaborator's responsibility, not this module's.
type Txn interface {
	Txg() uint64
}

// SpaceMap is the opaque on-disk log of ALLOC/FREE records a metaslab
// appends to once per dirty txg (spec.md §4.3 Sync, §6).
type SpaceMap interface {
	// Load replays every record in the log, in order, into tree:
	// FREE records add the range, ALLOC records remove it. Returns an
	// IO-shaped error if the underlying log cannot be read.
	Load(tree *rangetree.Tree) error

	// Write appends one record of the given kind for every extent
	// currently in tree, within tx. The order extents are visited in
	// is unspecified beyond "ascending by offset" (Tree.Walk's order).
	Write(tree *rangetree.Tree, kind Kind, tx Txn) error

	// Truncate discards every record written so far, within tx. Used
	// by condense (spec.md §4.3) to replace the log with its minimal
	// form.
	Truncate(tx Txn) error

	// Length returns the current on-disk log length in bytes.
	Length() uint64

	// Histogram returns the power-of-two size histogram of the space
	// this log currently represents as free (spec.md §3), maintained
	// incrementally as Write is called.
	Histogram() rangetree.Histogram
}
