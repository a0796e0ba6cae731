// Command metaslab-bench wires together a config.Tunables, an
// allocator.Class, and one or more metaslabgroup.Group/metaslab.Metaslab
// pairs, then drives the end-to-end scenarios S1-S6 from spec.md §8,
// printing a pass/fail line for each. It gives the allocator library a
// runnable demonstration the way the teacher's cmd/bin/main.go drives
// its offheap store from the command line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fmstephe/metaslab/allocator"
	"github.com/fmstephe/metaslab/allocstrategy"
	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/metaslab"
	"github.com/fmstephe/metaslab/metaslabgroup"
	"github.com/fmstephe/metaslab/spacemap"
	"github.com/fmstephe/metaslab/txg"
)

var (
	scenarioFlag = flag.String("scenario", "all", "which scenario to run: S1-S6 or all")
)

type txn struct{ txg uint64 }

func (t txn) Txg() uint64 { return t.txg }

func main() {
	flag.Parse()

	scenarios := map[string]func() error{
		"S1": scenarioS1,
		"S2": scenarioS2,
		"S3": scenarioS3,
		"S4": scenarioS4,
		"S5": scenarioS5,
		"S6": scenarioS6,
	}

	names := []string{"S1", "S2", "S3", "S4", "S5", "S6"}
	if *scenarioFlag != "all" {
		names = []string{*scenarioFlag}
	}

	failed := false
	for _, name := range names {
		fn, ok := scenarios[name]
		if !ok {
			log.Fatalf("unknown scenario %q", name)
		}
		if err := fn(); err != nil {
			fmt.Printf("%s: FAIL: %s\n", name, err)
			failed = true
			continue
		}
		fmt.Printf("%s: PASS\n", name)
	}

	if failed {
		os.Exit(1)
	}
}

// newMetaslab builds one loaded metaslab of msSize bytes with no space
// map attached yet; its first Sync creates one (spec.md §3 Lifecycle).
func newMetaslab(id, start, msSize uint64, ashift uint, conf config.Tunables, strategy allocstrategy.Strategy) *metaslab.Metaslab {
	ms := metaslab.New(id, start, msSize, ashift, conf, strategy)
	if err := ms.Load(); err != nil {
		log.Fatalf("load metaslab %d: %s", id, err)
	}
	ms.RecomputeWeight(1)
	return ms
}

// scenarioS1 is the basic alloc/free round-trip: one vdev, ashift=9,
// one 1 MiB metaslab. Allocate 100 blocks of 4 KiB each, free them all
// in one txg, and check the free tree reproduces the original 1 MiB
// extent after TxgDeferSize sync-dones.
func scenarioS1() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	ms := newMetaslab(0, 0, 1<<20, 9, conf, allocstrategy.DynamicFit{Conf: conf})

	const blockSize = 4 << 10
	const nBlocks = 100
	seen := map[uint64]bool{}
	for i := 0; i < nBlocks; i++ {
		off, ok := ms.AllocBlock(blockSize, 1)
		if !ok {
			return fmt.Errorf("alloc %d failed", i)
		}
		if seen[off] {
			return fmt.Errorf("duplicate offset %d", off)
		}
		seen[off] = true
	}

	want := uint64(1<<20) - nBlocks*blockSize
	if got := ms.Tree().Space(); got != want {
		return fmt.Errorf("free space = %d, want %d", got, want)
	}

	for off := range seen {
		ms.FreeBlock(off, blockSize, 1, false)
	}
	for t := uint64(1); t <= txg.DeferSize+1; t++ {
		ms.SyncDone(t)
	}

	if got := ms.Tree().Space(); got != 1<<20 {
		return fmt.Errorf("after defer drain free space = %d, want %d", got, 1<<20)
	}
	if !ms.Tree().Contains(0, 1<<20) {
		return fmt.Errorf("free tree did not reproduce the original extent")
	}
	return nil
}

// scenarioS2 checks alignment: ashift=12, request size 8192, every
// returned offset must be a multiple of 4096.
func scenarioS2() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	ms := newMetaslab(0, 0, 16<<20, 12, conf, allocstrategy.FirstFit{})

	for i := 0; i < 64; i++ {
		off, ok := ms.AllocBlock(8192, 1)
		if !ok {
			return fmt.Errorf("alloc %d failed", i)
		}
		if off%4096 != 0 {
			return fmt.Errorf("offset %d not aligned to 4096", off)
		}
	}
	return nil
}

// scenarioS3 checks the dynamic-fit strategy switch: fill a 1 MiB
// metaslab down to df_free_pct remaining with equal-size allocations,
// then confirm df reports the metaslab as fragmented (so the next
// allocation goes to the size tree) and that this allocation succeeds
// without the largest free extent growing. It does not inspect the
// cursor or which extent the allocation came from.
func scenarioS3() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	conf.DfFreePct = 4
	conf.DfAllocThreshold = 1 << 10
	df := allocstrategy.NewDynamicFit(conf)
	ms := newMetaslab(0, 0, 1<<20, 9, conf, df)

	const blockSize = 1 << 13 // 8 KiB
	for {
		free := ms.Tree().Space()
		if free*100/(1<<20) < conf.DfFreePct {
			break
		}
		if _, ok := ms.AllocBlock(blockSize, 1); !ok {
			return fmt.Errorf("unexpected exhaustion before reaching df_free_pct")
		}
	}

	if !df.Fragmented(ms) {
		return fmt.Errorf("expected df to report fragmented once below df_free_pct")
	}

	maxBefore := ms.Tree().MaxSize()
	if maxBefore < blockSize {
		return fmt.Errorf("no extent left large enough to serve the switchover allocation")
	}
	if _, ok := ms.AllocBlock(blockSize, 1); !ok {
		return fmt.Errorf("best-fit allocation at the switchover point failed")
	}
	if ms.Tree().MaxSize() > maxBefore {
		return fmt.Errorf("free tree grew across an allocation")
	}
	return nil
}

// scenarioS4 drives alloc/free churn through several txgs of
// Sync/SyncDone, then checks that the space map is non-empty and that
// a reload from it reproduces the free tree's space. The churn does
// not push the map past the condense threshold, and the scenario does
// not check whether Sync condensed it.
func scenarioS4() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	conf.CondensePct = 200
	ms := newMetaslab(0, 0, 1<<20, 9, conf, allocstrategy.FirstFit{})
	// The first Sync creates the space map and seeds it with a FREE of
	// the whole extent, the baseline its ALLOC records remove from.
	var sm spacemap.SpaceMap

	tx := txn{txg: 1}
	const blockSize = 512
	var offsets []uint64
	for i := 0; i < 200; i++ {
		off, ok := ms.AllocBlock(blockSize, 1)
		if !ok {
			return fmt.Errorf("alloc %d failed", i)
		}
		offsets = append(offsets, off)
	}
	for i, off := range offsets {
		if i%2 == 0 {
			ms.FreeBlock(off, blockSize, 1, true)
		}
	}
	if err := ms.Sync(1, 1, tx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	sm = ms.SpaceMap()
	ms.SyncDone(1)

	before := sm.Length()
	if before == 0 {
		return fmt.Errorf("space map is empty after first sync")
	}

	for round := uint64(2); round < 2+txg.DeferSize+2; round++ {
		for i := 0; i < 50; i++ {
			off, ok := ms.AllocBlock(blockSize, round)
			if ok {
				ms.FreeBlock(off, blockSize, round, true)
			}
		}
		if err := ms.Sync(round, 1, txn{txg: round}); err != nil {
			return fmt.Errorf("sync round %d: %w", round, err)
		}
		ms.SyncDone(round)
	}

	reload := metaslab.New(0, 0, 1<<20, 9, conf, allocstrategy.FirstFit{})
	reload.SetSpaceMap(sm)
	if err := reload.Load(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if reload.Tree().Space() != ms.Tree().Space() {
		return fmt.Errorf("reload space mismatch: got %d want %d", reload.Tree().Space(), ms.Tree().Space())
	}
	return nil
}

// scenarioS5 checks rotor distribution: 4 vdevs of 1 GiB each, 1024
// allocations of 128 KiB. Each device should receive close to an even
// share, within one aliquot of uniform.
func scenarioS5() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	conf.GangBang = 1 << 40
	class := allocator.NewClass(true, conf, 1)

	const nDevices = 4
	const devSize = 1 << 30
	received := make([]uint64, nDevices)
	for v := 0; v < nDevices; v++ {
		g := metaslabgroup.New(uint64(v), conf)
		g.Add(newMetaslab(0, 0, devSize, 9, conf, allocstrategy.NewNewDynamicFit(conf.NdfClumpShift)))
		class.AddGroup(g)
	}

	const blockSize = 128 << 10
	const nBlocks = 1024
	for i := 0; i < nBlocks; i++ {
		bp, err := class.Alloc(blockSize, 1, nil, 1)
		if err != nil {
			return fmt.Errorf("alloc %d: %w", i, err)
		}
		received[bp.DVAs[0].VdevID] += blockSize
	}

	want := uint64(nBlocks/nDevices) * blockSize
	for v, got := range received {
		lo, hi := want-conf.Aliquot, want+conf.Aliquot
		if got < lo || got > hi {
			return fmt.Errorf("device %d received %d bytes, want within [%d,%d]", v, got, lo, hi)
		}
	}
	return nil
}

// scenarioS6 checks replica spread: 3 vdevs, 3-way replication, every
// returned block pointer must carry three distinct vdev ids.
func scenarioS6() error {
	conf := config.Default()
	conf.PreloadEnabled = false
	conf.GangBang = 1 << 40
	class := allocator.NewClass(true, conf, 1)

	for v := 0; v < 3; v++ {
		g := metaslabgroup.New(uint64(v), conf)
		g.Add(newMetaslab(0, 0, 1<<20, 9, conf, allocstrategy.FirstFit{}))
		class.AddGroup(g)
	}

	bp, err := class.Alloc(4096, 3, nil, 1)
	if err != nil {
		return fmt.Errorf("alloc: %w", err)
	}
	if len(bp.DVAs) != 3 {
		return fmt.Errorf("got %d DVAs, want 3", len(bp.DVAs))
	}
	seen := map[uint64]bool{}
	for _, d := range bp.DVAs {
		if seen[d.VdevID] {
			return fmt.Errorf("vdev %d used twice", d.VdevID)
		}
		seen[d.VdevID] = true
	}
	return nil
}
