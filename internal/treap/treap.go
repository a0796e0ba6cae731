// Package treap implements a randomized balanced binary search tree
// (a treap: heap-ordered by a random priority, search-tree-ordered by
// key) used by package rangetree to keep its offset-ordered and
// size-ordered extent indices. Nodes are stored in a nodepool.Pool and
// addressed by nodepool.Ref rather than by pointer, the same shape the
// teacher's quadtree/node_store.go uses for its tree nodes: "Every
// subtree is guaranteed to be non-nil" is replaced here by "every
// child Ref is either nodepool.Nil or a live node."
//
// The classic split/merge formulation is used for Insert and Delete,
// which keeps the rebalancing logic to two small recursive functions
// instead of rotation bookkeeping.
package treap

import (
	"math/rand"

	"github.com/fmstephe/metaslab/internal/nodepool"
)

type node[K any, V any] struct {
	left, right nodepool.Ref
	priority    uint64
	key         K
	value       V
}

// Treap is a search tree ordered by Less over keys K, storing an
// arbitrary value V per key. Not safe for concurrent use.
type Treap[K any, V any] struct {
	pool *nodepool.Pool[node[K, V]]
	root nodepool.Ref
	less func(a, b K) bool
	rnd  *rand.Rand
	size int
}

// New returns an empty Treap ordered by less.
func New[K any, V any](less func(a, b K) bool) *Treap[K, V] {
	return &Treap[K, V]{
		pool: nodepool.New[node[K, V]](),
		less: less,
		rnd:  rand.New(rand.NewSource(1)),
	}
}

// Len returns the number of keys stored.
func (t *Treap[K, V]) Len() int {
	return t.size
}

// Insert adds key/value to the treap. key must not already be present;
// callers (rangetree) only ever insert keys they know are absent.
func (t *Treap[K, V]) Insert(key K, value V) {
	l, r := t.split(t.root, key)
	n := t.pool.Alloc()
	*t.pool.Get(n) = node[K, V]{
		priority: t.rnd.Uint64(),
		key:      key,
		value:    value,
	}
	t.root = t.merge(t.merge(l, n), r)
	t.size++
}

// Delete removes key from the treap. It is a no-op if key is absent.
func (t *Treap[K, V]) Delete(key K) {
	newRoot, removed := t.remove(t.root, key)
	if removed {
		t.size--
	}
	t.root = newRoot
}

func (t *Treap[K, V]) remove(r nodepool.Ref, key K) (nodepool.Ref, bool) {
	if r == nodepool.Nil {
		return nodepool.Nil, false
	}
	n := t.pool.Get(r)
	switch {
	case t.less(key, n.key):
		newLeft, ok := t.remove(n.left, key)
		n.left = newLeft
		return r, ok
	case t.less(n.key, key):
		newRight, ok := t.remove(n.right, key)
		n.right = newRight
		return r, ok
	default:
		merged := t.merge(n.left, n.right)
		t.pool.Free(r)
		return merged, true
	}
}

// Get returns the value stored at key and true, or the zero value and
// false if key is absent.
func (t *Treap[K, V]) Get(key K) (V, bool) {
	r := t.root
	for r != nodepool.Nil {
		n := t.pool.Get(r)
		switch {
		case t.less(key, n.key):
			r = n.left
		case t.less(n.key, key):
			r = n.right
		default:
			return n.value, true
		}
	}
	var zero V
	return zero, false
}

// Floor returns the greatest key <= the query key, if one exists.
func (t *Treap[K, V]) Floor(key K) (K, V, bool) {
	r := t.root
	var bestRef nodepool.Ref = nodepool.Nil
	for r != nodepool.Nil {
		n := t.pool.Get(r)
		if t.less(key, n.key) {
			r = n.left
			continue
		}
		// n.key <= key
		bestRef = r
		r = n.right
	}
	if bestRef == nodepool.Nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	n := t.pool.Get(bestRef)
	return n.key, n.value, true
}

// Ceiling returns the least key >= the query key, if one exists.
func (t *Treap[K, V]) Ceiling(key K) (K, V, bool) {
	r := t.root
	var bestRef nodepool.Ref = nodepool.Nil
	for r != nodepool.Nil {
		n := t.pool.Get(r)
		if t.less(n.key, key) {
			r = n.right
			continue
		}
		// n.key >= key
		bestRef = r
		r = n.left
	}
	if bestRef == nodepool.Nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	n := t.pool.Get(bestRef)
	return n.key, n.value, true
}

// Above returns the least key strictly greater than the query key, if
// one exists. Used to continue a best-fit scan past a candidate that
// turned out, after alignment, not to fit.
func (t *Treap[K, V]) Above(key K) (K, V, bool) {
	r := t.root
	var bestRef nodepool.Ref = nodepool.Nil
	for r != nodepool.Nil {
		n := t.pool.Get(r)
		if t.less(key, n.key) {
			bestRef = r
			r = n.left
			continue
		}
		r = n.right
	}
	if bestRef == nodepool.Nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	n := t.pool.Get(bestRef)
	return n.key, n.value, true
}

// Max returns the greatest key in the treap, if any.
func (t *Treap[K, V]) Max() (K, V, bool) {
	r := t.root
	if r == nodepool.Nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	for {
		n := t.pool.Get(r)
		if n.right == nodepool.Nil {
			return n.key, n.value, true
		}
		r = n.right
	}
}

// InOrder visits every key/value pair in ascending key order. Visiting
// stops early if fn returns false.
func (t *Treap[K, V]) InOrder(fn func(key K, value V) bool) bool {
	return t.inOrder(t.root, fn)
}

func (t *Treap[K, V]) inOrder(r nodepool.Ref, fn func(key K, value V) bool) bool {
	if r == nodepool.Nil {
		return true
	}
	n := t.pool.Get(r)
	// n is reloaded after each recursive call since Alloc can grow (and
	// thus reallocate) the backing slab; we only dereference before use.
	if !t.inOrder(n.left, fn) {
		return false
	}
	n = t.pool.Get(r)
	if !fn(n.key, n.value) {
		return false
	}
	n = t.pool.Get(r)
	return t.inOrder(n.right, fn)
}

// Reset discards every key, returning the treap to its initial empty
// state without visiting nodes one by one.
func (t *Treap[K, V]) Reset() {
	t.pool.Reset()
	t.root = nodepool.Nil
	t.size = 0
}

// split partitions the subtree rooted at r into (left, right) where
// every key in left is < key and every key in right is >= key.
func (t *Treap[K, V]) split(r nodepool.Ref, key K) (nodepool.Ref, nodepool.Ref) {
	if r == nodepool.Nil {
		return nodepool.Nil, nodepool.Nil
	}
	n := t.pool.Get(r)
	if t.less(n.key, key) {
		l, rr := t.split(n.right, key)
		n = t.pool.Get(r)
		n.right = l
		return r, rr
	}
	l, rr := t.split(n.left, key)
	n = t.pool.Get(r)
	n.left = rr
	return l, r
}

// merge combines two subtrees known to be key-disjoint with every key
// in l less than every key in r, preserving heap order on priority.
func (t *Treap[K, V]) merge(l, r nodepool.Ref) nodepool.Ref {
	if l == nodepool.Nil {
		return r
	}
	if r == nodepool.Nil {
		return l
	}
	ln := t.pool.Get(l)
	rn := t.pool.Get(r)
	if ln.priority > rn.priority {
		merged := t.merge(ln.right, r)
		ln = t.pool.Get(l)
		ln.right = merged
		return l
	}
	merged := t.merge(l, rn.left)
	rn = t.pool.Get(r)
	rn.left = merged
	return r
}
