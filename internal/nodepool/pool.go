// Package nodepool provides index-addressed storage for the small,
// fixed-shape tree nodes used by package rangetree's two indices.
//
// Nodes are referred to by a Ref (a plain integer) rather than a
// pointer, following the same shape as the teacher's
// offheap/internal/pointerstore.Store: a growable slab of values plus
// a singly-linked free list threaded through freed slots, so repeated
// add/remove cycles reuse slots instead of growing forever.
package nodepool

// Ref addresses a node inside a Pool. The zero Ref is reserved to mean
// "no node" (Nil); real nodes are always allocated at index >= 1.
type Ref uint32

// Nil is the reserved "no node" reference.
const Nil Ref = 0

// Pool is a growable, reusable store of T values addressed by Ref.
// It is not safe for concurrent use; callers serialize access the same
// way rangetree.Tree callers hold the tree's mutex (spec.md §4.1
// Concurrency).
type Pool[T any] struct {
	slab []T
	// nextFree threads freed slots into a singly-linked list: it is a
	// slice of "next free" links parallel to slab, so T itself needn't
	// reserve a field.
	nextFree []Ref
	freeHead Ref
	live     int
}

// New returns an empty Pool.
func New[T any]() *Pool[T] {
	return &Pool[T]{
		// index 0 is reserved for Nil, so pre-seed one throwaway slot
		slab:     make([]T, 1),
		nextFree: make([]Ref, 1),
	}
}

// Alloc returns a Ref to a fresh, zero-valued T, reusing a freed slot
// if one is available.
func (p *Pool[T]) Alloc() Ref {
	p.live++
	if p.freeHead != Nil {
		r := p.freeHead
		p.freeHead = p.nextFree[r]
		var zero T
		p.slab[r] = zero
		return r
	}

	r := Ref(len(p.slab))
	var zero T
	p.slab = append(p.slab, zero)
	p.nextFree = append(p.nextFree, Nil)
	return r
}

// Free returns the slot at r to the pool for reuse. Freeing Nil is a
// contract violation and panics, mirroring rangetree's own "remove
// must be contained" contract. Freeing an already-free slot is also a
// contract violation, but it is not detected: the slot is linked into
// the free list a second time.
func (p *Pool[T]) Free(r Ref) {
	if r == Nil {
		panic("nodepool: free of Nil ref")
	}
	p.live--
	p.nextFree[r] = p.freeHead
	p.freeHead = r
}

// Get returns a pointer to the value stored at r. The pointer is only
// valid until the next Alloc call that grows the backing slab; callers
// within one rangetree operation never retain it across an Alloc.
func (p *Pool[T]) Get(r Ref) *T {
	return &p.slab[r]
}

// Live returns the number of currently-allocated (non-freed) nodes.
func (p *Pool[T]) Live() int {
	return p.live
}

// Reset discards every allocation, returning the pool to its initial
// empty state. Used by Tree.Vacate to reinitialize the secondary index
// without walking nodes one by one (spec.md §4.1).
func (p *Pool[T]) Reset() {
	p.slab = make([]T, 1)
	p.nextFree = make([]Ref, 1)
	p.freeHead = Nil
	p.live = 0
}
