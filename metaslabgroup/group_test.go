package metaslabgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmstephe/metaslab/allocstrategy"
	"github.com/fmstephe/metaslab/config"
	"github.com/fmstephe/metaslab/metaslab"
)

func newTestGroup(t *testing.T, vdevID uint64, nMetaslabs int, msSize uint64) *Group {
	t.Helper()
	conf := config.Default()
	conf.PreloadEnabled = false
	g := New(vdevID, conf)
	for i := 0; i < nMetaslabs; i++ {
		ms := metaslab.New(uint64(i), uint64(i)*msSize, msSize, 9, conf, allocstrategy.FirstFit{})
		require.NoError(t, ms.Load())
		ms.RecomputeWeight(uint64(nMetaslabs))
		g.Add(ms)
	}
	return g
}

func TestGroupAllocPicksHighestWeightMetaslab(t *testing.T) {
	g := newTestGroup(t, 0, 3, 1<<20)

	off, msID, ok := g.GroupAlloc(4096, 1, 0, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(0), msID) // metaslab 0 has the highest weight (lowest id)
	assert.Equal(t, uint64(0), off)
}

func TestGroupAllocReturnsFalseWhenNothingFits(t *testing.T) {
	g := newTestGroup(t, 0, 1, 1<<12)
	_, _, ok := g.GroupAlloc(1<<20, 1, 0, nil)
	assert.False(t, ok)
}

func TestGroupAllocReturnsFalseOnceMetaslabIsExhausted(t *testing.T) {
	g := newTestGroup(t, 0, 1, 1<<20)

	msHandle := g.metaslabs[0]
	_, ok := msHandle.AllocBlock(1<<20, 1)
	require.True(t, ok)

	_, _, ok = g.GroupAlloc(4096, 1, 0, nil)
	assert.False(t, ok)
}

func TestFreeCapacityPercentReflectsAllocations(t *testing.T) {
	g := newTestGroup(t, 0, 1, 1<<20)
	assert.Equal(t, uint64(100), g.FreeCapacityPercent())

	_, _, ok := g.GroupAlloc(1<<19, 1, 0, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(50), g.FreeCapacityPercent())
}

func TestAllocatableHonorsThresholdAndPoolWideException(t *testing.T) {
	conf := config.Default()
	conf.MgNoAllocThreshold = 90
	conf.PreloadEnabled = false
	g := New(0, conf)
	ms := metaslab.New(0, 0, 1<<20, 9, conf, allocstrategy.FirstFit{})
	require.NoError(t, ms.Load())
	g.Add(ms)

	// Fully free, comfortably above any reasonable threshold.
	assert.True(t, g.Allocatable(false, false))

	_, ok := ms.AllocBlock((1<<20)-(1<<16), 1) // leave 6.25% free
	require.True(t, ok)
	assert.False(t, g.Allocatable(false, false))
	assert.True(t, g.Allocatable(true, false), "pool-wide exception when no group is allocatable")
	assert.True(t, g.Allocatable(false, true), "non-normal classes ignore the threshold")
}

func TestMetaslabAtFindsOwningMetaslab(t *testing.T) {
	g := newTestGroup(t, 0, 3, 1<<20)
	ms := g.MetaslabAt(1<<20 + 100)
	require.NotNil(t, ms)
	assert.Equal(t, uint64(1), ms.ID())

	assert.Nil(t, g.MetaslabAt(10*(1<<20)))
}
