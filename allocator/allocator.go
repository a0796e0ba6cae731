// Package allocator implements the allocation class rotor (spec.md
// §4.5) and the top-level alloc/free/claim entry points (spec.md
// §4.6): the piece that spreads an allocation's replicas across a
// class's metaslab groups and retries with relaxed constraints when
// the rotor comes up empty. The rotor itself follows Design Note 9's
// "doubly-linked rotor list ... as indices into a group vector", here
// a single atomic index into Class.groups rather than a linked list -
// the group vector never reorders, so one index is sufficient and the
// per-group link fields Design Note 9 mentions aren't needed.
package allocator

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/fmstephe/metaslab/allocerrs"
	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/metaslabgroup"
)

// BlockPointer is what the allocator fills in on a successful Alloc:
// up to three DVAs plus the two txg fields the caller (the
// transactional block layer, out of scope per spec.md §1) sets itself
// (spec.md §6).
type BlockPointer struct {
	DVAs         []metaslabgroup.DVA
	BirthTxg     uint64
	PhysBirthTxg uint64
}

// Class is one allocation class (normal, log, dedup - spec.md §4.5):
// a set of metaslab groups visited in rotor order, with its own
// replica-spread and gang-block policy.
type Class struct {
	conf config.Tunables

	// Normal marks this as the pool's normal allocation class; a
	// non-normal class's groups are always allocatable (spec.md §4.4).
	Normal bool

	mu     sync.RWMutex
	groups []*metaslabgroup.Group

	// rotor, rotorBytes and dshift are read and written without the
	// group-vector lock: Design Note 9 tolerates stale reads here,
	// bounding unfairness to one aliquot (spec.md §5, §9).
	rotor      atomic.Uint64
	rotorBytes atomic.Uint64
	dshift     atomic.Uint64

	allocCount    atomic.Uint64
	deferredCount atomic.Uint64
	spaceCount    atomic.Uint64
	dspaceCount   atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewClass returns an empty allocation class. seed fixes the gang-bang
// escape hatch's randomness so tests are reproducible; production
// callers should seed from a real entropy source.
func NewClass(normal bool, conf config.Tunables, seed int64) *Class {
	return &Class{
		conf:   conf,
		Normal: normal,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// AddGroup registers a group with this class.
func (c *Class) AddGroup(g *metaslabgroup.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, g)
}

func (c *Class) snapshotGroups() []*metaslabgroup.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*metaslabgroup.Group, len(c.groups))
	copy(out, c.groups)
	return out
}

// Alloc places nReplicas DVAs for a psize block (spec.md §4.5). On any
// replica failing, every DVA already placed for this call is rolled
// back via Free before ErrNoSpace is returned, preserving the
// all-or-nothing guarantee spec.md §7 requires.
func (c *Class) Alloc(psize uint64, nReplicas int, hintDVAs []metaslabgroup.DVA, currentTxg uint64) (BlockPointer, error) {
	if psize >= c.conf.GangBang && c.gangBangTrigger() {
		return BlockPointer{}, allocerrs.ErrNoSpace
	}

	var dvas []metaslabgroup.DVA
	for d := 0; d < nReplicas; d++ {
		dva, err := c.allocReplica(psize, d, dvas, hintDVAs, currentTxg)
		if err != nil {
			for _, placed := range dvas {
				_ = c.Free(placed, currentTxg, true)
			}
			return BlockPointer{}, err
		}
		dvas = append(dvas, dva)
	}

	c.allocCount.Add(uint64(len(dvas)) * psize)
	c.spaceCount.Add(uint64(len(dvas)) * psize)
	return BlockPointer{DVAs: dvas}, nil
}

// allocReplica walks the rotor starting from the group indicated by a
// hint DVA, the vdev after the previous replica's, or the class rotor
// (in that priority order), widening the distance requirement once if
// the whole rotor comes up empty (spec.md §4.5). A sole (d == 0)
// replica is never placed on a group whose device reports unhealthy
// unless write-to-degraded is permitted; if every pass fails and an
// unhealthy group was the only thing standing in the way, one final
// pass permitting degraded devices is tried before giving up.
func (c *Class) allocReplica(asize uint64, d int, priorDVAs, hintDVAs []metaslabgroup.DVA, currentTxg uint64) (metaslabgroup.DVA, error) {
	groups := c.snapshotGroups()
	if len(groups) == 0 {
		return metaslabgroup.DVA{}, allocerrs.ErrNoSpace
	}

	dva, ok, blockedByHealth := c.scanGroups(asize, d, priorDVAs, hintDVAs, currentTxg, groups, c.conf.WriteToDegraded)
	if ok {
		return dva, nil
	}
	if blockedByHealth && !c.conf.WriteToDegraded {
		if dva, ok, _ := c.scanGroups(asize, d, priorDVAs, hintDVAs, currentTxg, groups, true); ok {
			return dva, nil
		}
	}

	return metaslabgroup.DVA{}, allocerrs.ErrNoSpace
}

// scanGroups runs the rotor's dshift-widening, two-pass scan once.
// allowDegraded permits a sole (d == 0) replica onto an unhealthy
// group's device; when it is false and an unhealthy group is the
// reason a candidate was skipped, sawUnhealthy reports that so the
// caller can retry with degraded devices permitted (spec.md §4.5).
func (c *Class) scanGroups(asize uint64, d int, priorDVAs, hintDVAs []metaslabgroup.DVA, currentTxg uint64, groups []*metaslabgroup.Group, allowDegraded bool) (dva metaslabgroup.DVA, ok bool, sawUnhealthy bool) {
	startIdx := c.startIndex(d, priorDVAs, hintDVAs, groups)
	dshift := c.dshift.Load()
	if dshift == 0 {
		dshift = 3
	}

	gangSized := asize <= c.conf.GangBang

	for pass := 0; pass < 2; pass++ {
		noneAllocatable := c.allocatableGroupCount(groups, gangSized) == 0

		for i := 0; i < len(groups); i++ {
			idx := (startIdx + i) % len(groups)
			g := groups[idx]

			if !gangSized && !g.Allocatable(noneAllocatable, !c.Normal) {
				continue
			}

			if d == 0 && !allowDegraded && !g.Healthy() {
				sawUnhealthy = true
				continue
			}

			minDistance := g.Size() >> dshift
			off, _, found := g.GroupAlloc(asize, currentTxg, minDistance, priorDVAs)
			if !found {
				continue
			}

			c.advanceRotor(idx, len(groups), asize)
			return metaslabgroup.DVA{VdevID: g.VdevID(), Offset: off, ASize: asize}, true, false
		}

		next := dshift * 2
		if next > 64 {
			next = 64
		}
		if next == dshift {
			break
		}
		dshift = next
		c.dshift.Store(dshift)
	}

	return metaslabgroup.DVA{}, false, sawUnhealthy
}

func (c *Class) allocatableGroupCount(groups []*metaslabgroup.Group, gangSized bool) int {
	var n int
	for _, g := range groups {
		if gangSized || g.Allocatable(false, !c.Normal) {
			n++
		}
	}
	return n
}

func (c *Class) startIndex(d int, priorDVAs, hintDVAs []metaslabgroup.DVA, groups []*metaslabgroup.Group) int {
	if d < len(hintDVAs) {
		if idx, ok := indexOfVdev(groups, hintDVAs[d].VdevID); ok {
			return idx
		}
	}
	if d > 0 && d-1 < len(priorDVAs) {
		if idx, ok := indexOfVdev(groups, priorDVAs[d-1].VdevID); ok {
			return (idx + 1) % len(groups)
		}
	}
	return int(c.rotor.Load() % uint64(len(groups)))
}

func indexOfVdev(groups []*metaslabgroup.Group, vdevID uint64) (int, bool) {
	for i, g := range groups {
		if g.VdevID() == vdevID {
			return i, true
		}
	}
	return 0, false
}

// advanceRotor moves the class rotor to the next group once aliquot
// bytes have been allocated through the current one (spec.md §4.5).
func (c *Class) advanceRotor(idx, n int, asize uint64) {
	used := c.rotorBytes.Add(asize)
	if used >= c.conf.Aliquot {
		c.rotor.Store(uint64((idx + 1) % n))
		c.rotorBytes.Store(0)
	}
}

// gangBangTrigger is the test-mode escape hatch for oversized writes
// (spec.md §4.5): roughly one in four qualifying allocations is forced
// to fail so higher layers exercise their gang-block splitting path.
// The exact fraction isn't specified by spec.md; 1-in-4 is this
// module's own choice, recorded in DESIGN.md.
func (c *Class) gangBangTrigger() bool {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(4) == 0
}

// Free returns one DVA's range to its owning metaslab (spec.md §4.6).
// When now is true the range is usable again immediately (same-txg
// rollback); otherwise it enters the defer pipeline.
func (c *Class) Free(dva metaslabgroup.DVA, currentTxg uint64, now bool) error {
	g := c.groupByVdev(dva.VdevID)
	if g == nil {
		return allocerrs.ErrInval
	}
	ms := g.MetaslabAt(dva.Offset)
	if ms == nil {
		return allocerrs.ErrInval
	}
	ms.FreeBlock(dva.Offset, dva.ASize, currentTxg, now)
	return nil
}

// Claim marks a DVA as allocated during crash recovery (spec.md §4.6).
// The owning metaslab must be loaded and the range must currently be
// free.
func (c *Class) Claim(dva metaslabgroup.DVA, currentTxg uint64) error {
	g := c.groupByVdev(dva.VdevID)
	if g == nil {
		return allocerrs.ErrInval
	}
	ms := g.MetaslabAt(dva.Offset)
	if ms == nil {
		return allocerrs.ErrInval
	}
	return ms.Claim(dva.Offset, dva.ASize, currentTxg)
}

func (c *Class) groupByVdev(vdevID uint64) *metaslabgroup.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.groups {
		if g.VdevID() == vdevID {
			return g
		}
	}
	return nil
}

// Stats is the allocation class's own point-in-time accounting,
// matching §4.5's "counters alloc, deferred, space, dspace".
type Stats struct {
	Alloc    uint64
	Deferred uint64
	Space    uint64
	Dspace   uint64
}

// Stats returns a snapshot of this class's counters.
func (c *Class) Stats() Stats {
	return Stats{
		Alloc:    c.allocCount.Load(),
		Deferred: c.deferredCount.Load(),
		Space:    c.spaceCount.Load(),
		Dspace:   c.dspaceCount.Load(),
	}
}
