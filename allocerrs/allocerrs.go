// Package allocerrs defines the error kinds the allocator core can
// return to its caller (spec.md §7). Every value here is meant to be
// matched with errors.Is; contract violations (bad Remove, unaligned
// size/offset, double free) are programming errors and are not
// represented here - they panic. An allocation attempted while a
// metaslab is condensing is refused (AllocBlock reports ok=false).
package allocerrs

import "errors"

var (
	// ErrNoSpace is returned when no allocation could be made in any
	// eligible group after all retries.
	ErrNoSpace = errors.New("metaslab: no space available")

	// ErrIO is returned when a space-map load or write fails; the
	// caller is expected to surface pool degradation.
	ErrIO = errors.New("metaslab: space map I/O error")

	// ErrNoEnt is returned by Claim when the requested range is not
	// currently free.
	ErrNoEnt = errors.New("metaslab: range is not free")

	// ErrInval is returned by Free/Claim when a DVA names a
	// nonexistent vdev or an out-of-range metaslab.
	ErrInval = errors.New("metaslab: invalid DVA")
)
