package metaslab

import (
	"fmt"

	"github.com/fmstephe/metaslab/rangetree"
	"github.com/fmstephe/metaslab/spacemap"
	"github.com/fmstephe/metaslab/txg"
)

// Sync appends currentTxg's dirty alloc/free trees to the space map,
// or condenses it, then clears the alloc tree (spec.md §4.3 "Sync").
// pass is the DMU sync-pass number; only pass 1 is eligible to trigger
// a condense. A metaslab with nothing dirty this txg is a no-op.
//
// The real TXG_CLEAN double-buffering of the free tree
// (spec.md §4.3: "swap freetree[txg] with freetree[TXG_CLEAN(txg)]")
// exists to let the DMU re-enter Sync for the same txg across several
// passes; that re-entrancy is transactional-block-layer plumbing out
// of scope here (spec.md §1), so this implementation leaves
// currentTxg's free tree populated across passes and hands it directly
// to SyncDone, which is where the defer-tree promotion spec.md
// describes actually happens. The externally testable behavior - a
// block freed in txg T is unusable until txg T+TXG_DEFER_SIZE (spec.md
// §8 property 6) - is unaffected.
func (ms *Metaslab) Sync(currentTxg uint64, pass int, tx spacemap.Txn) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	slot := txg.Slot(currentTxg)
	allocT := ms.allocTree[slot]
	freeT := ms.freeTree[slot]

	dirty := (allocT != nil && allocT.Space() > 0) || (freeT != nil && freeT.Space() > 0)
	if !dirty {
		return nil
	}

	if ms.sm == nil {
		ms.sm = spacemap.NewMemMap(ms.start, ms.size)
		whole := rangetree.New()
		whole.Add(ms.start, ms.size)
		if err := ms.sm.Write(whole, spacemap.Free, tx); err != nil {
			return fmt.Errorf("metaslab %d: initial space map write: %w", ms.id, err)
		}
	}

	condense := ms.loaded && pass == 1 && ms.shouldCondenseLocked()
	if condense {
		if err := ms.condenseLocked(tx); err != nil {
			return err
		}
	} else {
		if allocT != nil && allocT.Space() > 0 {
			if err := ms.sm.Write(allocT, spacemap.Alloc, tx); err != nil {
				return fmt.Errorf("metaslab %d: write alloc records: %w", ms.id, err)
			}
		}
		if freeT != nil && freeT.Space() > 0 {
			if err := ms.sm.Write(freeT, spacemap.Free, tx); err != nil {
				return fmt.Errorf("metaslab %d: write free records: %w", ms.id, err)
			}
		}
	}

	if allocT != nil {
		allocT.Vacate(nil)
	}
	return nil
}

// shouldCondenseLocked implements spec.md §4.3's condense trigger:
// condense when (a) the largest free segment already exceeds the
// space map's current on-disk length, AND (b) that on-disk length
// exceeds condense_pct/100 of what the live free tree would cost to
// write from scratch (one entry per extent). Both halves of this
// formula are this module's own reading of the spec's prose - there is
// no original-language reference to check it against (see
// SPEC_FULL.md Provenance) - and are recorded as an Open Question
// resolution in DESIGN.md.
func (ms *Metaslab) shouldCondenseLocked() bool {
	if !ms.loaded || ms.tree == nil || ms.sm == nil {
		return false
	}
	onDisk := ms.sm.Length()
	largest := ms.tree.MaxSize()
	if largest <= onDisk {
		return false
	}

	var nExtents uint64
	ms.tree.Walk(func(ext rangetree.Extent) bool {
		nExtents++
		return true
	})

	threshold := ms.conf.CondensePct * uint64(spacemap.EntrySize) * nExtents / 100
	return onDisk > threshold
}

// condenseLocked rewrites the space map to its minimal form: a
// synthetic "everything allocated" range as ALLOC records, followed by
// the free tree as FREE records (spec.md §4.3). Because a log replays
// onto an empty tree, the rewritten log first records the allocated
// ranges as FREE, so the ALLOC records that follow have something to
// remove from; replaying it ends with exactly the free tree. This
// txg's frees and the defer trees' ranges are not in the free tree,
// so the condensed log records them as allocated. The condensing flag is
// set for the duration and the metaslab mutex is dropped across the
// simulated DMU write, matching the two-phase state machine Design
// Note 9 calls for.
func (ms *Metaslab) condenseLocked(tx spacemap.Txn) error {
	allocated := rangetree.New()
	allocated.Add(ms.start, ms.size)
	ms.tree.Walk(func(ext rangetree.Extent) bool {
		allocated.Remove(ext.Start, ext.Size)
		return true
	})

	freeSnapshot := ms.tree

	ms.cond = stateCondensing
	ms.mu.Unlock()
	err := condenseWrite(ms.sm, allocated, freeSnapshot, tx)
	ms.mu.Lock()
	ms.cond = stateFresh

	if err != nil {
		return fmt.Errorf("metaslab %d: condense: %w", ms.id, err)
	}
	return nil
}

func condenseWrite(sm spacemap.SpaceMap, allocated, free *rangetree.Tree, tx spacemap.Txn) error {
	if err := sm.Truncate(tx); err != nil {
		return err
	}
	if err := sm.Write(allocated, spacemap.Free, tx); err != nil {
		return err
	}
	if err := sm.Write(allocated, spacemap.Alloc, tx); err != nil {
		return err
	}
	return sm.Write(free, spacemap.Free, tx)
}

// SyncDone performs the post-commit promotion spec.md §4.3 describes:
// the defer tree occupying currentTxg's defer slot graduates back into
// the free tree (if loaded), currentTxg's free tree takes its place in
// that now-empty slot, and the metaslab is unloaded if it has been
// idle for conf.UnloadDelay txgs.
func (ms *Metaslab) SyncDone(currentTxg uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	deferSlot := txg.DeferSlot(currentTxg)
	oldDefer := ms.deferTree[deferSlot]
	if oldDefer != nil {
		if ms.loaded {
			oldDefer.Vacate(func(ext rangetree.Extent) {
				ms.tree.Add(ext.Start, ext.Size)
				ms.allocated -= ext.Size
			})
		} else {
			oldDefer.Walk(func(ext rangetree.Extent) bool {
				ms.allocated -= ext.Size
				return true
			})
			oldDefer.Vacate(nil)
		}
	}

	freeSlot := txg.Slot(currentTxg)
	freeT := ms.freeTree[freeSlot]
	if freeT != nil && freeT.Space() > 0 {
		newDefer := ms.deferTreeAt(deferSlot)
		freeT.Vacate(func(ext rangetree.Extent) {
			newDefer.Add(ext.Start, ext.Size)
		})
	}

	if ms.loaded && !ms.conf.DebugLoad && !ms.conf.DebugUnload {
		if currentTxg >= ms.accessTxg && currentTxg-ms.accessTxg >= ms.conf.UnloadDelay {
			ms.tree = nil
			ms.loaded = false
			ms.activePrimary = false
			ms.activeSecondary = false
		}
	}
}
