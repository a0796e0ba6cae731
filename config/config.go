// Package config holds the allocator's process-wide tuning parameters
// (spec.md §6) as a plain, immutable value built once at pool-open
// time, following the teacher's pointerstore.AllocConfig /
// NewAllocConfigBySize shape: a constructor returns a value type, the
// owning struct stores it by value, and nobody reaches for a mutable
// package-level global.
package config

// SpaMaxBlockSize bounds the largest physical block size the
// allocator ever has to place; it is an external pool-configuration
// constant (spec.md §1 fixes pool configuration out of scope), kept
// here only because GangBang's default is defined relative to it.
const SpaMaxBlockSize = 16 << 20

// Tunables collects every process-wide parameter spec.md §6 names.
type Tunables struct {
	// Aliquot is the rotor's target bytes allocated per group visit
	// before it moves on to the next group.
	Aliquot uint64

	// GangBang is the size, inclusive, above which the allocator's
	// test-mode escape hatch may force a gang block by randomly
	// returning NoSpace.
	GangBang uint64

	// CondensePct is the condense threshold multiplier (spec.md
	// §4.3's should_condense: on-disk length vs
	// CondensePct/100 * bytes-per-extent * n_extents).
	CondensePct uint64

	// MgNoAllocThreshold is the per-group free-capacity percentage
	// cutoff below which a group is not allocatable (barring pool-wide
	// exceptions, spec.md §4.4).
	MgNoAllocThreshold uint64

	// DebugLoad, if set, disables the unload_delay-based idle unload
	// so loaded metaslabs stay resident for inspection.
	DebugLoad bool

	// DebugUnload, if set, suppresses the automatic unload a metaslab
	// would otherwise perform once idle for UnloadDelay txgs.
	DebugUnload bool

	// DfAllocThreshold and DfFreePct gate the dynamic-fit strategy's
	// switch from first-fit to best-fit scanning (spec.md §4.2).
	DfAllocThreshold uint64
	DfFreePct        uint64

	// MinAllocSize is the smallest size the allocator will ever be
	// asked to place. No code reads it; the strategies' cursor array
	// has a fixed size (allocstrategy.CursorSlots).
	MinAllocSize uint64

	// UnloadDelay is the number of txgs a metaslab must go unused
	// before it's a candidate for unloading (spec.md §4.3 sync_done).
	UnloadDelay uint64

	// PreloadLimit bounds how many of a group's highest-weight
	// metaslabs are queued for background preload after each sync
	// pass.
	PreloadLimit int

	// PreloadEnabled turns the preload task queue on or off entirely.
	PreloadEnabled bool

	// NdfClumpShift bounds the new-dynamic-fit strategy's best-fit
	// search window to [size, 2^(highbit(size)+NdfClumpShift)].
	NdfClumpShift uint

	// WeightFactorEnable turns on the space-map-histogram additive
	// bonus to metaslab weight. Disabled by default: spec.md §9 flags
	// its tuning as needing further investigation, so this module
	// defaults it off and does not attempt to invent a tuning.
	WeightFactorEnable bool

	// WriteToDegraded permits the rotor to place a sole (d == 0)
	// replica on a group whose device is reporting unhealthy (spec.md
	// §4.5). Off by default: the rotor only falls back to degraded
	// devices on its final retry pass, once every healthy group has
	// failed to serve the allocation.
	WriteToDegraded bool
}

// Default returns the documented steady-state tunable values
// (spec.md §6).
func Default() Tunables {
	return Tunables{
		Aliquot:            512 << 10,
		GangBang:           1 + SpaMaxBlockSize,
		CondensePct:        200,
		MgNoAllocThreshold: 0,
		DebugLoad:          false,
		DebugUnload:        false,
		DfAllocThreshold:   1 << 20,
		DfFreePct:          4,
		MinAllocSize:       1 << 9,
		UnloadDelay:        8,
		PreloadLimit:       10,
		PreloadEnabled:     true,
		NdfClumpShift:      4,
		WeightFactorEnable: false,
		WriteToDegraded:    false,
	}
}
