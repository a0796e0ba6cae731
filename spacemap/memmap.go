package spacemap

import (
	"encoding/binary"
	"fmt"

	"github.com/fmstephe/flib/fmath"
	"golang.org/x/sys/unix"

	"github.com/fmstephe/metaslab/allocerrs"
	"github.com/fmstephe/metaslab/rangetree"
)

// entrySize is the on-disk size of one log record: a 1 byte kind tag
// followed by two little-endian uint64s (offset, length). This is a
// reference encoding for testing and demonstration, not a format
// spec.md mandates - the real space-map wire format is out of scope
// (spec.md §1).
const entrySize = 1 + 8 + 8

// EntrySize is the on-disk byte width of one log record, exported so
// callers outside this package (metaslab's condense threshold, spec.md
// §4.3) can reason about on-disk length in terms of entry counts
// without this package's encoding leaking into their own constants.
const EntrySize = entrySize

// MemMap is a SpaceMap backed by an anonymously-mmap'd byte buffer,
// grown by remapping the way the teacher's
// offheap/internal/pointerstore.MmapSlab backs each size-class slab:
// an anonymous mapping is allocated up front and a bigger one takes
// its place (old contents copied, old mapping unmapped) whenever the
// log outgrows it.
type MemMap struct {
	start, size uint64 // the metaslab extent this log represents

	buf []byte // entrySize-aligned, len(buf) is the log length in bytes
	cap int     // capacity of the backing mapping

	mirror *rangetree.Tree // tracks the free set Write has committed so far
}

// NewMemMap returns an empty log for a metaslab spanning
// [start, start+size).
func NewMemMap(start, size uint64) *MemMap {
	return &MemMap{
		start:  start,
		size:   size,
		mirror: rangetree.New(),
	}
}

// Load replays the log, in order, into tree. The log's own first
// record is expected to be a FREE of the metaslab's full extent -
// written once, the first time the metaslab is ever synced (see
// metaslab.Metaslab.Sync) - so a fresh tree ends up exactly matching
// what Write has been recording, with no special-cased pre-seeding
// here.
func (m *MemMap) Load(tree *rangetree.Tree) error {
	for off := 0; off < len(m.buf); off += entrySize {
		kind := Kind(m.buf[off])
		rangeOff := binary.LittleEndian.Uint64(m.buf[off+1:])
		rangeLen := binary.LittleEndian.Uint64(m.buf[off+9:])

		switch kind {
		case Free:
			tree.Add(rangeOff, rangeLen)
		case Alloc:
			tree.Remove(rangeOff, rangeLen)
		default:
			return fmt.Errorf("%w: corrupt space map record kind %d", allocerrs.ErrIO, kind)
		}
	}
	return nil
}

func (m *MemMap) Write(tree *rangetree.Tree, kind Kind, tx Txn) error {
	_ = tx // the real DMU transaction would make this durable and atomic

	var writeErr error
	tree.Walk(func(ext rangetree.Extent) bool {
		if err := m.appendEntry(kind, ext.Start, ext.Size); err != nil {
			writeErr = err
			return false
		}
		switch kind {
		case Free:
			m.mirror.Add(ext.Start, ext.Size)
		case Alloc:
			m.mirror.Remove(ext.Start, ext.Size)
		}
		return true
	})
	return writeErr
}

func (m *MemMap) Truncate(tx Txn) error {
	_ = tx
	if m.cap > 0 {
		if err := unix.Munmap(m.buf[:m.cap]); err != nil {
			return fmt.Errorf("%w: munmap during truncate: %s", allocerrs.ErrIO, err)
		}
	}
	m.buf = nil
	m.cap = 0
	m.mirror = rangetree.New()
	return nil
}

func (m *MemMap) Length() uint64 {
	return uint64(len(m.buf))
}

func (m *MemMap) Histogram() rangetree.Histogram {
	return m.mirror.Histogram()
}

func (m *MemMap) appendEntry(kind Kind, off, length uint64) error {
	need := len(m.buf) + entrySize
	if need > m.cap {
		if err := m.grow(need); err != nil {
			return err
		}
	}

	entry := m.buf[len(m.buf) : len(m.buf)+entrySize : m.cap]
	entry[0] = byte(kind)
	binary.LittleEndian.PutUint64(entry[1:], off)
	binary.LittleEndian.PutUint64(entry[9:], length)
	m.buf = m.buf[:len(m.buf)+entrySize]
	return nil
}

// grow replaces the backing mapping with one at least big enough for
// need bytes, sized to the next power of two the same way the
// teacher's pointerstore.AllocConfig sizes a slab: via
// fmath.NxtPowerOfTwo rather than a hand-rolled doubling loop.
func (m *MemMap) grow(need int) error {
	newCap := m.cap
	if newCap == 0 {
		newCap = 4096
	}
	if need > newCap {
		newCap = int(fmath.NxtPowerOfTwo(int64(need)))
	}

	newBuf, err := unix.Mmap(-1, 0, newCap, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("%w: mmap growing space map to %d bytes: %s", allocerrs.ErrIO, newCap, err)
	}
	copy(newBuf, m.buf)

	if m.cap > 0 {
		if err := unix.Munmap(m.buf[:m.cap]); err != nil {
			return fmt.Errorf("%w: munmap while growing space map: %s", allocerrs.ErrIO, err)
		}
	}

	length := len(m.buf)
	m.buf = newBuf[:length]
	m.cap = newCap
	return nil
}
