package metaslab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmstephe/metaslab/allocerrs"
	"github.com/fmstephe/metaslab/allocstrategy"
	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/txg"
)

type fakeTxn struct{ txg uint64 }

func (t fakeTxn) Txg() uint64 { return t.txg }

func newTestMetaslab(id, size uint64) *Metaslab {
	conf := config.Default()
	return New(id, id*size, size, 9, conf, allocstrategy.FirstFit{})
}

func TestLoadWithoutSpaceMapInitializesWholeExtent(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())
	assert.Equal(t, uint64(1<<20), ms.Tree().Space())
	assert.True(t, ms.Loaded())
}

func TestAllocBlockRemovesFromFreeTreeAndTracksAllocated(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	off, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(1<<20)-4096, ms.Tree().Space())
	assert.Equal(t, uint64(4096), ms.Stats().Allocated)
	assert.Equal(t, uint64(1<<20)-4096, ms.FreeSpace())
}

func TestAllocBlockOnUnloadedMetaslabPanics(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	assert.Panics(t, func() {
		ms.AllocBlock(4096, 1)
	})
}

func TestFreeBlockDeferredDoesNotFreeImmediately(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	off, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)

	ms.FreeBlock(off, 4096, 1, false)
	assert.Equal(t, uint64(1<<20)-4096, ms.Tree().Space())
	assert.Equal(t, uint64(4096), ms.Stats().Allocated)
}

func TestFreeBlockNowAddsBackImmediately(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	off, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)

	ms.FreeBlock(off, 4096, 1, true)
	assert.Equal(t, uint64(1<<20), ms.Tree().Space())
	assert.Equal(t, uint64(0), ms.Stats().Allocated)
}

func TestClaimRemovesFreeRangeAndRecordsAlloc(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	require.NoError(t, ms.Claim(0, 4096, 5))
	assert.Equal(t, uint64(1<<20)-4096, ms.Tree().Space())
	assert.Equal(t, uint64(4096), ms.Stats().Allocated)

	err := ms.Claim(0, 4096, 5)
	assert.ErrorIs(t, err, allocerrs.ErrNoEnt)
}

func TestSyncWritesRecordsAndClearsAllocTree(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	_, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)

	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))

	sm := ms.SpaceMap()
	require.NotNil(t, sm)
	assert.Greater(t, sm.Length(), uint64(0))

	// A second Sync of the same, now-clean, txg slot is a no-op.
	lengthAfterFirstSync := sm.Length()
	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))
	assert.Equal(t, lengthAfterFirstSync, sm.Length())
}

func TestReloadAfterSyncReproducesFreeTree(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	_, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)
	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))

	wantSpace := ms.Tree().Space()
	sm := ms.SpaceMap()

	reloaded := newTestMetaslab(0, 1<<20)
	reloaded.SetSpaceMap(sm)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, wantSpace, reloaded.Tree().Space())
	assert.True(t, reloaded.Tree().Contains(4096, (1<<20)-4096))
}

func TestSyncDoneGraduatesFreedSpaceAfterDeferDelay(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	off, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)
	ms.FreeBlock(off, 4096, 1, false)

	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))
	ms.SyncDone(1)

	// Not yet usable: still short of TXG_DEFER_SIZE further sync-dones.
	assert.Equal(t, uint64(1<<20)-4096, ms.Tree().Space())

	for tg := uint64(2); tg <= uint64(1+txg.DeferSize); tg++ {
		require.NoError(t, ms.Sync(tg, 1, fakeTxn{txg: tg}))
		ms.SyncDone(tg)
	}

	assert.Equal(t, uint64(1<<20), ms.Tree().Space())
	assert.Equal(t, uint64(0), ms.Stats().Allocated)
}

func TestSyncDoneUnloadsAfterIdleDelay(t *testing.T) {
	conf := config.Default()
	conf.UnloadDelay = 2
	ms := New(0, 0, 1<<20, 9, conf, allocstrategy.FirstFit{})
	require.NoError(t, ms.Load())

	_, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)

	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))
	ms.SyncDone(1)
	assert.True(t, ms.Loaded())

	require.NoError(t, ms.Sync(3, 1, fakeTxn{txg: 3}))
	ms.SyncDone(3)
	assert.False(t, ms.Loaded())
}

func TestWeightFavorsLowerID(t *testing.T) {
	lo := newTestMetaslab(0, 1<<20)
	hi := newTestMetaslab(10, 1<<20)
	require.NoError(t, lo.Load())
	require.NoError(t, hi.Load())

	lo.RecomputeWeight(20)
	hi.RecomputeWeight(20)

	assert.Greater(t, lo.Weight(), hi.Weight())
}

func TestActivatePassivateTogglesWeightFlags(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Activate(true))
	assert.True(t, ms.IsActivePrimary())

	ms.RecomputeWeight(1) // weight far exceeds any max_size_left
	ms.Passivate(1 << 10)
	assert.False(t, ms.IsActivePrimary())
	assert.Equal(t, uint64(1<<10), ms.Weight())
}

func TestFiniPanicsOnNonEmptyDeferTree(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	off, ok := ms.AllocBlock(4096, 1)
	require.True(t, ok)
	ms.FreeBlock(off, 4096, 1, false)
	require.NoError(t, ms.Sync(1, 1, fakeTxn{txg: 1}))
	ms.SyncDone(1)

	assert.Panics(t, func() {
		ms.Fini()
	})
}

func TestAllocBlockRefusedWhileCondensing(t *testing.T) {
	ms := newTestMetaslab(0, 1<<20)
	require.NoError(t, ms.Load())

	ms.mu.Lock()
	ms.cond = stateCondensing
	ms.mu.Unlock()

	_, ok := ms.AllocBlock(4096, 1)
	assert.False(t, ok)
}
