// Package metaslabgroup implements the per-device set of metaslabs
// ordered by weight, along with the allocatability and preload policy
// spec.md §4.4 describes. It leans on the teacher's channel-based
// async worker pattern (cmd/parcel_server/main.go's
// lds_csv.ReadCSVDataAsync, a goroutine feeding a channel a caller
// ranges over) for its background preload queue, generalized from
// "stream CSV rows" to "stream metaslab preload requests".
package metaslabgroup

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/metaslab"
)

// DVA is a Data Virtual Address: the (device, offset, size) triple a
// block pointer carries up to three of for replication (spec.md §6,
// GLOSSARY). It lives here, rather than in package allocator, so both
// Group's secondary-activation distance check and allocator's block
// pointer assembly can share one definition without an import cycle.
type DVA struct {
	VdevID uint64
	Offset uint64
	Gang   bool
	ASize  uint64
}

// Stats is a point-in-time snapshot of a group's bookkeeping, in the
// idiom of metaslab.Stats and the teacher's pointerstore.Stats.
type Stats struct {
	ID            uint64
	Size          uint64
	FreeCapacity  uint64 // percent
	MetaslabCount int
	Allocatable   bool
}

// Group owns every metaslab on one device (spec.md §4.4). VdevID
// identifies the device for distance and replica-spread bookkeeping;
// a Group is a 1:1 stand-in for "one vdev" in this module, since vdev
// enumeration and I/O are external collaborators (spec.md §1).
type Group struct {
	mu sync.Mutex

	vdevID uint64
	conf   config.Tunables

	metaslabs []*metaslab.Metaslab
	size      uint64

	// healthy stands in for the vdev I/O layer's health reporting
	// (spec.md §1 fixes vdev I/O out of scope; this is the minimal
	// signal the rotor's degraded-device retry policy, §4.5, needs
	// from it). Read/written lock-free: a stale read here costs at
	// worst one extra rotor pass, never a correctness violation.
	healthy atomic.Bool

	preloadCh chan *metaslab.Metaslab
	closeOnce sync.Once
}

// New returns an empty, healthy group for the device identified by
// vdevID.
func New(vdevID uint64, conf config.Tunables) *Group {
	g := &Group{
		vdevID: vdevID,
		conf:   conf,
	}
	g.healthy.Store(true)
	if conf.PreloadEnabled {
		g.preloadCh = make(chan *metaslab.Metaslab, 64)
		go g.preloadWorker()
	}
	return g
}

// VdevID returns the device identifier this group represents.
func (g *Group) VdevID() uint64 { return g.vdevID }

// Healthy reports whether this group's device is currently considered
// healthy. A pool-configuration/vdev-I/O layer outside this module's
// scope (spec.md §1) is the real source of truth; SetHealthy is how it
// would report a state change in.
func (g *Group) Healthy() bool { return g.healthy.Load() }

// SetHealthy records a device health-state change, driving the
// rotor's single-copy-replica reject and degraded-retry policy
// (spec.md §4.5).
func (g *Group) SetHealthy(healthy bool) { g.healthy.Store(healthy) }

// Add registers a metaslab with this group. Metaslabs are normally
// added once, at device-open time (spec.md §3 "Lifecycle").
func (g *Group) Add(ms *metaslab.Metaslab) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metaslabs = append(g.metaslabs, ms)
	g.size += ms.Size()
}

// Size returns the sum of every metaslab's size in this group.
func (g *Group) Size() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

// FreeCapacityPercent returns the group's aggregate free space as a
// percentage of its total size.
func (g *Group) FreeCapacityPercent() uint64 {
	g.mu.Lock()
	ms := append([]*metaslab.Metaslab(nil), g.metaslabs...)
	size := g.size
	g.mu.Unlock()

	if size == 0 {
		return 0
	}
	var free uint64
	for _, m := range ms {
		free += m.FreeSpace()
	}
	return free * 100 / size
}

// Allocatable reports whether this group may currently serve
// allocations: its free capacity exceeds mg_noalloc_threshold, or the
// owning class has no allocatable groups left (pool-wide exception),
// or the class is not the normal allocation class (spec.md §4.4).
func (g *Group) Allocatable(classHasNoAllocatableGroups, nonNormalClass bool) bool {
	if nonNormalClass || classHasNoAllocatableGroups {
		return true
	}
	return g.FreeCapacityPercent() > g.conf.MgNoAllocThreshold
}

// Stats returns a snapshot of this group's bookkeeping.
func (g *Group) Stats(classHasNoAllocatableGroups, nonNormalClass bool) Stats {
	g.mu.Lock()
	count := len(g.metaslabs)
	size := g.size
	g.mu.Unlock()

	return Stats{
		ID:            g.vdevID,
		Size:          size,
		FreeCapacity:  g.FreeCapacityPercent(),
		MetaslabCount: count,
		Allocatable:   g.Allocatable(classHasNoAllocatableGroups, nonNormalClass),
	}
}

// MetaslabAt returns the metaslab whose extent contains offset, or
// nil if none does (an out-of-range offset for this device).
func (g *Group) MetaslabAt(offset uint64) *metaslab.Metaslab {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ms := range g.metaslabs {
		if offset >= ms.Start() && offset < ms.Start()+ms.Size() {
			return ms
		}
	}
	return nil
}

// sortedByWeightLocked returns a weight-descending copy of the group's
// metaslabs. A real weight-ordered tree (spec.md §4.4) would avoid the
// O(n log n) resort on every allocation; a slice sorted on demand is
// the pragmatic choice for a group that, per spec.md's own size
// budget, holds at most a few hundred metaslabs (see DESIGN.md).
func (g *Group) sortedByWeightLocked() []*metaslab.Metaslab {
	sorted := append([]*metaslab.Metaslab(nil), g.metaslabs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Weight() > sorted[j].Weight()
	})
	return sorted
}

// priorOnThisDevice filters priorDVAs down to the ones already placed
// on this group's device.
func (g *Group) priorOnThisDevice(priorDVAs []DVA) []DVA {
	var out []DVA
	for _, d := range priorDVAs {
		if d.VdevID == g.vdevID {
			out = append(out, d)
		}
	}
	return out
}

// distance is the absolute offset separation between a candidate
// metaslab's start and a previously-placed replica's offset, the
// spread metric spec.md §4.4's secondary-activation rule uses.
func distance(ms *metaslab.Metaslab, priorOffset uint64) uint64 {
	start := ms.Start()
	if start >= priorOffset {
		return start - priorOffset
	}
	return priorOffset - start
}

// GroupAlloc walks this group's metaslabs in weight order looking for
// one that can serve a psize allocation (spec.md §4.4). priorDVAs are
// the replicas already placed for this block, used to compute the
// spread distance required when a second replica must land on a
// device that already holds one.
//
// The group lock is dropped before a candidate is activated (spec.md
// §4.4/§5 lock ordering: class rotor -> group mutex -> metaslab
// mutex), so another caller can race in and passivate the candidate,
// or promote it from secondary to primary activation, between our
// snapshot and our AllocBlock. groupAllocPass re-verifies weight and
// activation state after allocating and reports restart when the
// race invalidated the candidacy; GroupAlloc re-runs the scan from
// the top when that happens.
func (g *Group) GroupAlloc(psize uint64, currentTxg uint64, minDistance uint64, priorDVAs []DVA) (offset uint64, msID uint64, ok bool) {
	const maxRestarts = 8
	for attempt := 0; attempt < maxRestarts; attempt++ {
		off, id, found, restart := g.groupAllocPass(psize, currentTxg, minDistance, priorDVAs)
		if found {
			return off, id, true
		}
		if !restart {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func (g *Group) groupAllocPass(psize uint64, currentTxg uint64, minDistance uint64, priorDVAs []DVA) (offset uint64, msID uint64, found bool, restart bool) {
	g.mu.Lock()
	sorted := g.sortedByWeightLocked()
	g.mu.Unlock()

	priorHere := g.priorOnThisDevice(priorDVAs)

	for _, ms := range sorted {
		if ms.Weight() < psize {
			// Weight-ordered: every later metaslab is at least as
			// small, so no candidate further down can serve psize.
			return 0, 0, false, false
		}
		if ms.Condensing() {
			continue
		}

		primary := len(priorHere) == 0
		if !primary {
			used := ms.Stats().Allocated > 0
			target := minDistance
			if !used {
				target = minDistance + minDistance/2
			}
			satisfied := true
			for _, d := range priorHere {
				if distance(ms, d.Offset) < target {
					satisfied = false
					break
				}
			}
			if !satisfied {
				continue
			}
		}

		if err := ms.Activate(primary); err != nil {
			continue
		}

		off, allocated := ms.AllocBlock(psize, currentTxg)
		if !allocated {
			ms.Passivate(maxSegment(ms))
			continue
		}

		// Re-verify the activation this candidacy depended on
		// survived the race window between the weight snapshot
		// above and this allocation (spec.md §4.4/§5).
		switch {
		case !primary && ms.IsActivePrimary():
			// Another caller converted this metaslab to primary
			// activation underneath us; our distance check assumed
			// secondary semantics and no longer holds. Undo this
			// allocation and restart the scan.
			ms.FreeBlock(off, psize, currentTxg, true)
			return 0, 0, false, true
		case !ms.IsActivePrimary() && !ms.IsActiveSecondary():
			// Another caller passivated this metaslab before our
			// allocation landed. Undo and restart.
			ms.FreeBlock(off, psize, currentTxg, true)
			return 0, 0, false, true
		}

		return off, ms.ID(), true, false
	}

	return 0, 0, false, false
}

func maxSegment(ms *metaslab.Metaslab) uint64 {
	t := ms.Tree()
	if t == nil {
		return 0
	}
	return t.MaxSize()
}

// Preload schedules this group's highest-weight metaslabs, up to
// conf.PreloadLimit, to load their space maps on the background
// preload worker (spec.md §4.4 "After each sync pass"). It is a no-op
// when preloading is disabled.
func (g *Group) Preload() {
	if !g.conf.PreloadEnabled || g.preloadCh == nil {
		return
	}
	g.mu.Lock()
	sorted := g.sortedByWeightLocked()
	g.mu.Unlock()

	limit := g.conf.PreloadLimit
	if limit > len(sorted) {
		limit = len(sorted)
	}
	for _, ms := range sorted[:limit] {
		select {
		case g.preloadCh <- ms:
		default:
			// Queue is full; this metaslab will be picked up by the
			// next preload pass instead of blocking the caller.
		}
	}
}

func (g *Group) preloadWorker() {
	for ms := range g.preloadCh {
		_ = ms.Load()
	}
}

// Close stops the background preload worker. Safe to call more than
// once; only the first call has an effect.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		if g.preloadCh != nil {
			close(g.preloadCh)
		}
	})
}
