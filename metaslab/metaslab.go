// Package metaslab implements the fixed-size device region that is the
// unit of allocation bookkeeping (spec.md §3-§4.3): a free range tree,
// per-txg alloc/free trees, a defer tree pipeline, weight-based
// ordering, and the load/unload/condense lifecycle. It follows the
// teacher's offheap/internal/pointerstore.Store shape - an immutable
// config value, mutex-guarded accounting fields, a Stats
// snapshot method - generalized from "pool of fixed-size objects" to
// "pool of free sectors on one device".
package metaslab

import (
	"fmt"
	"sync"

	"github.com/fmstephe/metaslab/allocerrs"
	"github.com/fmstephe/metaslab/allocstrategy"
	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/rangetree"
	"github.com/fmstephe/metaslab/spacemap"
	"github.com/fmstephe/metaslab/txg"
)

// weightActivePrimary and weightActiveSecondary occupy the top two
// bits of a metaslab's weight so any active metaslab sorts above every
// inactive one, regardless of its space-based weight (spec.md §3).
const (
	weightActivePrimary   = uint64(1) << 63
	weightActiveSecondary = uint64(1) << 62
	weightMask            = weightActivePrimary | weightActiveSecondary
)

// condenseState models the two-phase condense state machine Design
// Note 9 calls for: Fresh -> Condensing -> Fresh. Allocation is
// refused while Condensing.
type condenseState int

const (
	stateFresh condenseState = iota
	stateCondensing
)

// Stats is a point-in-time snapshot of a metaslab's bookkeeping,
// mirroring the teacher's pointerstore.Stats - a small, evaluated-once
// value type returned by a Stats() method for tests and callers to
// inspect without reaching into the metaslab's locked fields directly.
type Stats struct {
	ID        uint64
	Start     uint64
	Size      uint64
	Allocated uint64
	FreeSpace uint64
	Weight    uint64
	Loaded    bool
	Active    bool
}

// Metaslab is one fixed-size [start, start+size) slice of a device.
// The zero value is not usable; construct with New.
type Metaslab struct {
	mu       sync.Mutex
	loadCond *sync.Cond

	id     uint64
	start  uint64
	size   uint64
	ashift uint

	conf     config.Tunables
	strategy allocstrategy.Strategy

	sm   spacemap.SpaceMap
	tree *rangetree.Tree // free tree; nil unless loaded

	allocTree [txg.Size]*rangetree.Tree
	freeTree  [txg.Size]*rangetree.Tree
	deferTree [txg.DeferSize]*rangetree.Tree

	loaded  bool
	loading bool
	cond    condenseState

	activePrimary   bool
	activeSecondary bool
	weight          uint64

	// allocated is the number of bytes currently unavailable for
	// allocation: on-disk allocated space plus anything sitting in an
	// in-flight alloc/free/defer tree. size-allocated is therefore the
	// free-tree space a fully synced, loaded metaslab would report -
	// the "space" the weight formula (spec.md §4.3) is computed from,
	// kept accurate even while unloaded so group sort order doesn't
	// require loading every metaslab (spec.md §4.4 "preload").
	allocated uint64

	accessTxg uint64

	cursors   [allocstrategy.CursorSlots]uint64
	cursorEnd uint64
}

// New creates an unloaded metaslab spanning [start, start+size). The
// free tree is materialized lazily by Load, matching spec.md §3's
// "initially unloaded ... created lazily on the first sync_done."
func New(id, start, size uint64, ashift uint, conf config.Tunables, strategy allocstrategy.Strategy) *Metaslab {
	ms := &Metaslab{
		id:       id,
		start:    start,
		size:     size,
		ashift:   ashift,
		conf:     conf,
		strategy: strategy,
	}
	ms.loadCond = sync.NewCond(&ms.mu)
	return ms
}

// ID returns this metaslab's identifier.
func (ms *Metaslab) ID() uint64 { return ms.id }

// Start returns the first sector offset this metaslab owns.
func (ms *Metaslab) Start() uint64 { return ms.start }

// SpaceMap returns the metaslab's on-disk log, or nil if Sync has
// never allocated one. Exposed for reload-idempotence checks (spec.md
// §8 property 4) and the demo command's reporting.
func (ms *Metaslab) SpaceMap() spacemap.SpaceMap {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sm
}

// SetSpaceMap attaches an already-open space map to this metaslab,
// the "if sm_object != 0, open an existing space map" half of spec.md
// §4.3's init contract; New itself only covers the sm_object == 0,
// brand-new-metaslab case.
func (ms *Metaslab) SetSpaceMap(sm spacemap.SpaceMap) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sm = sm
}

// Tree implements allocstrategy.Metaslab.
func (ms *Metaslab) Tree() *rangetree.Tree { return ms.tree }

// Size implements allocstrategy.Metaslab.
func (ms *Metaslab) Size() uint64 { return ms.size }

// Cursor implements allocstrategy.Metaslab.
func (ms *Metaslab) Cursor(bucket int) uint64 { return ms.cursors[bucket] }

// SetCursor implements allocstrategy.Metaslab.
func (ms *Metaslab) SetCursor(bucket int, offset uint64) { ms.cursors[bucket] = offset }

// CursorEnd implements allocstrategy.Metaslab.
func (ms *Metaslab) CursorEnd() uint64 { return ms.cursorEnd }

// SetCursorEnd implements allocstrategy.Metaslab.
func (ms *Metaslab) SetCursorEnd(offset uint64) { ms.cursorEnd = offset }

// Fini tears down a metaslab. It is a contract violation to tear down
// a metaslab with any range still sitting in a defer tree (spec.md
// §4.3 "asserts zero deferred space").
func (ms *Metaslab) Fini() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, dt := range ms.deferTree {
		if dt != nil && dt.Space() != 0 {
			panic("metaslab: fini with non-empty defer tree")
		}
	}
	ms.tree = nil
	ms.loaded = false
}

// Load brings the free tree into memory: from the space map if one
// exists, otherwise as a single extent covering the whole metaslab. A
// concurrent Load by another caller is waited out rather than
// duplicated (spec.md §4.3, §5's metaslab load condition variable).
func (ms *Metaslab) Load() error {
	ms.mu.Lock()
	if ms.loaded {
		ms.mu.Unlock()
		return nil
	}
	for ms.loading {
		ms.loadCond.Wait()
	}
	if ms.loaded {
		ms.mu.Unlock()
		return nil
	}
	ms.loading = true
	sm := ms.sm
	ms.mu.Unlock()

	tree := rangetree.New()
	var err error
	if sm != nil {
		err = sm.Load(tree)
	} else {
		tree.Add(ms.start, ms.size)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.loading = false
	ms.loadCond.Broadcast()
	if err != nil {
		return fmt.Errorf("%w: metaslab %d load: %s", allocerrs.ErrIO, ms.id, err)
	}

	for _, dt := range ms.deferTree {
		if dt == nil {
			continue
		}
		dt.Walk(func(ext rangetree.Extent) bool {
			tree.Remove(ext.Start, ext.Size)
			return true
		})
	}

	ms.tree = tree
	ms.loaded = true
	return nil
}

// Unload discards the free tree, preserving the alloc/free/defer trees
// and clearing the active bits (spec.md §4.3).
func (ms *Metaslab) Unload() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tree = nil
	ms.loaded = false
	ms.activePrimary = false
	ms.activeSecondary = false
}

// Loaded reports whether the free tree currently resides in memory.
func (ms *Metaslab) Loaded() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.loaded
}

// Condensing reports whether this metaslab currently refuses
// allocation because a condense is in flight.
func (ms *Metaslab) Condensing() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cond == stateCondensing
}

// Activate loads the metaslab if necessary and sets its active bit,
// primary on first use or secondary when a second replica must spread
// to the same device (spec.md §4.3 "activate(weight)").
func (ms *Metaslab) Activate(primary bool) error {
	if !ms.Loaded() {
		if err := ms.Load(); err != nil {
			return err
		}
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if primary {
		ms.activePrimary = true
	} else {
		ms.activeSecondary = true
	}
	return nil
}

// Passivate clears the active bits and re-sorts the metaslab by
// min(current weight, maxSizeLeft) - the largest block it can still
// serve (spec.md §4.3).
func (ms *Metaslab) Passivate(maxSizeLeft uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.activePrimary = false
	ms.activeSecondary = false
	base := ms.weight &^ weightMask
	if maxSizeLeft < base {
		base = maxSizeLeft
	}
	ms.weight = base
}

// IsActivePrimary reports whether the primary-activation bit is set.
func (ms *Metaslab) IsActivePrimary() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.activePrimary
}

// IsActiveSecondary reports whether the secondary-activation bit is
// set.
func (ms *Metaslab) IsActiveSecondary() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.activeSecondary
}

// Weight returns the current sort weight, including the active-bit
// flags in its top two bits.
func (ms *Metaslab) Weight() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.weightLocked()
}

func (ms *Metaslab) weightLocked() uint64 {
	w := ms.weight &^ weightMask
	if ms.activePrimary {
		w |= weightActivePrimary
	} else if ms.activeSecondary {
		w |= weightActiveSecondary
	}
	return w
}

// RecomputeWeight recomputes the space-based weight component from
// current accounting: weight = 2*space - (id*space)/msCount, a linear
// bias favoring lower-id metaslabs (spec.md §4.3). When
// conf.WeightFactorEnable is set, an additive bonus proportional to
// the free tree's histogram of large segments is layered on top; the
// tuning for that bonus is an explicitly open question (spec.md §9)
// so it is deliberately conservative (see DESIGN.md).
func (ms *Metaslab) RecomputeWeight(msCount uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if msCount == 0 {
		msCount = 1
	}
	space := ms.freeSpaceLocked()
	base := 2*space - (ms.id*space)/msCount
	if ms.conf.WeightFactorEnable && ms.tree != nil {
		base += histogramBonus(ms.tree.Histogram())
	}
	ms.weight = base
}

// histogramBonus rewards metaslabs with many large free runs: each
// occupied size bucket contributes its bucket index (roughly log2 of
// the run length) worth of bonus points per run. No further scaling is
// applied; since a bucket index is always smaller than the run length
// it stands for, the bonus stays below the free tree's total space.
func histogramBonus(h rangetree.Histogram) uint64 {
	buckets := h.Buckets()
	var bonus uint64
	for i, count := range buckets {
		if count == 0 {
			continue
		}
		bonus += uint64(i) * count
	}
	return bonus
}

func (ms *Metaslab) freeSpaceLocked() uint64 {
	return ms.size - ms.allocated
}

// FreeSpace returns the accounting-derived free space (spec.md §4.3's
// weight "space" term), valid whether or not the metaslab is loaded.
func (ms *Metaslab) FreeSpace() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.freeSpaceLocked()
}

// Stats returns a snapshot of this metaslab's bookkeeping.
func (ms *Metaslab) Stats() Stats {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return Stats{
		ID:        ms.id,
		Start:     ms.start,
		Size:      ms.size,
		Allocated: ms.allocated,
		FreeSpace: ms.freeSpaceLocked(),
		Weight:    ms.weightLocked(),
		Loaded:    ms.loaded,
		Active:    ms.activePrimary || ms.activeSecondary,
	}
}

// AllocBlock asks the strategy for size bytes, removes them from the
// free tree, and records them into currentTxg's alloc tree (spec.md
// §4.3). It returns ok=false without allocating while a condense is in
// flight. It panics if the metaslab is not loaded, or if the strategy
// or caller violates the ashift alignment contract (spec.md §8
// property 3) - these are programming errors, not recoverable
// conditions (spec.md §7).
func (ms *Metaslab) AllocBlock(size uint64, currentTxg uint64) (uint64, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.cond == stateCondensing {
		// Condensing is a transient, lock-observable state (spec.md
		// §4.3, §5): callers (metaslabgroup) are expected to skip a
		// condensing metaslab, but a caller that races one refuses the
		// allocation rather than treating it as a contract violation.
		return 0, false
	}
	if !ms.loaded {
		panic("metaslab: alloc_block called on an unloaded metaslab")
	}

	mask := uint64(1)<<ms.ashift - 1
	if size == 0 || size&mask != 0 {
		panic("metaslab: alloc_block size is not ashift-aligned")
	}

	off, ok := ms.strategy.Alloc(ms, size)
	if !ok {
		return 0, false
	}
	if off&mask != 0 {
		panic("metaslab: strategy returned an unaligned offset")
	}

	before := ms.tree.Space()
	ms.tree.Remove(off, size)
	if before-ms.tree.Space() != size {
		panic("metaslab: free tree space did not decrease by exactly size")
	}

	ms.allocTreeAt(currentTxg).Add(off, size)
	ms.allocated += size
	ms.accessTxg = currentTxg

	return off, true
}

// FreeBlock records a free of [offset, offset+size). When now is
// false (the normal path) it lands in currentTxg's free tree, becoming
// reusable only after the defer delay (spec.md §8 property 6). When
// now is true (an in-txg rewind of a block allocated in this same
// currentTxg and never synced - the path allocator.Class.Alloc's
// partial-failure rollback uses), the allocation record is undone
// directly: the range comes back out of currentTxg's alloc tree and
// straight into the live free tree, bypassing the free/defer pipeline
// entirely. Routing a now=true free through freeTree as well would
// double-add it once SyncDone later promotes that freeTree entry
// through the defer tree and back into ms.tree - a range that is
// already sitting in ms.tree cannot be re-added without violating the
// non-overlap invariant (spec.md §8 property 2).
func (ms *Metaslab) FreeBlock(offset, size, currentTxg uint64, now bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if now {
		ms.allocTreeAt(currentTxg).Remove(offset, size)
		if ms.tree != nil {
			ms.tree.Add(offset, size)
		}
		ms.allocated -= size
		return
	}

	ms.freeTreeAt(currentTxg).Add(offset, size)
}

// Claim marks [offset, size) as allocated during crash recovery
// (spec.md §4.6). The metaslab must already be loaded and the range
// must currently be free; Claim removes it from the free tree and, if
// currentTxg is non-zero, also records it in that txg's alloc tree.
func (ms *Metaslab) Claim(offset, size, currentTxg uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.loaded {
		panic("metaslab: claim called on an unloaded metaslab")
	}
	if !ms.tree.Contains(offset, size) {
		return fmt.Errorf("%w: claim range [%d,%d) is not free", allocerrs.ErrNoEnt, offset, offset+size)
	}

	ms.tree.Remove(offset, size)
	ms.allocated += size
	if currentTxg != 0 {
		ms.allocTreeAt(currentTxg).Add(offset, size)
	}
	return nil
}

func (ms *Metaslab) allocTreeAt(t uint64) *rangetree.Tree {
	slot := txg.Slot(t)
	if ms.allocTree[slot] == nil {
		ms.allocTree[slot] = rangetree.New()
	}
	return ms.allocTree[slot]
}

func (ms *Metaslab) freeTreeAt(t uint64) *rangetree.Tree {
	slot := txg.Slot(t)
	if ms.freeTree[slot] == nil {
		ms.freeTree[slot] = rangetree.New()
	}
	return ms.freeTree[slot]
}

func (ms *Metaslab) deferTreeAt(slot int) *rangetree.Tree {
	if ms.deferTree[slot] == nil {
		ms.deferTree[slot] = rangetree.New()
	}
	return ms.deferTree[slot]
}
