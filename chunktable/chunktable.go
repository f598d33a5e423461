// Package chunktable implements the Paged Chunk Table: storage for a
// single byte-packed (Tier 1) component type, backed by memvm.Arena and
// sliced into CHUNK_SIZE_BYTES pages.
package chunktable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/memvm"
)

// cacheLineSize pads each chunk's version counter on its own cache line so
// that concurrent writers touching different chunks never false-share.
const cacheLineSize = 64

// chunkVersion is a single cache-line-padded version counter.
type chunkVersion struct {
	v   uint32
	_   [cacheLineSize - unsafe.Sizeof(uint32(0))]byte
}

// Table stores fixed-size records for one byte-packed component type, one
// slot per entity index, chunked into 64 KiB pages.
type Table struct {
	arena        *memvm.Arena
	elemSize     int
	chunkCap     int // elements per chunk
	versions     []chunkVersion
	committed    []bool
	mu           []sync.Mutex // per-chunk ensure_chunk lock
}

// New reserves address space for up to maxEntities records of elemSize
// bytes each. elemSize larger than one chunk is rejected as an overrun.
func New(maxEntities int, elemSize int) (*Table, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("fdp/chunktable: elemSize must be positive")
	}
	if elemSize > memvm.PageSize {
		return nil, fmt.Errorf("%w: elem size %d exceeds chunk size %d", errs.ErrOverrun, elemSize, memvm.PageSize)
	}
	chunkCap := memvm.PageSize / elemSize
	totalBytes := maxEntities * elemSize
	if totalBytes <= 0 {
		totalBytes = memvm.PageSize
	}

	arena, err := memvm.Reserve(totalBytes)
	if err != nil {
		return nil, err
	}
	n := arena.PageCount()
	return &Table{
		arena:     arena,
		elemSize:  elemSize,
		chunkCap:  chunkCap,
		versions:  make([]chunkVersion, n),
		committed: make([]bool, n),
		mu:        make([]sync.Mutex, n),
	}, nil
}

// TotalChunks returns the number of chunks reserved.
func (t *Table) TotalChunks() int { return len(t.committed) }

// ChunkCapacity returns the number of elements that fit in one chunk.
func (t *Table) ChunkCapacity() int { return t.chunkCap }

func (t *Table) locate(slot uint32) (chunk, off int) {
	chunk = int(slot) / t.chunkCap
	off = (int(slot) % t.chunkCap) * t.elemSize
	return
}

// EnsureChunk commits chunk i if it is not already committed. Synchronized
// per-chunk.
func (t *Table) EnsureChunk(i int) error {
	if i < 0 || i >= len(t.committed) {
		return fmt.Errorf("fdp/chunktable: chunk %d out of range", i)
	}
	if t.committed[i] {
		return nil
	}
	t.mu[i].Lock()
	defer t.mu[i].Unlock()
	if t.committed[i] {
		return nil
	}
	if err := t.arena.Commit(i); err != nil {
		return err
	}
	t.committed[i] = true
	return nil
}

// Write stores value's raw bytes at slot, bumping the chunk's version to
// globalVersion only if it differs from the current value (check-before-
// write, avoiding redundant cache-coherence traffic).
func (t *Table) Write(slot uint32, value []byte, globalVersion uint32) error {
	chunk, off := t.locate(slot)
	if err := t.EnsureChunk(chunk); err != nil {
		return err
	}
	page := t.arena.Page(chunk)
	copy(page[off:off+t.elemSize], value)
	t.bumpVersion(chunk, globalVersion)
	return nil
}

// Read returns a view of the raw bytes at slot without touching the
// chunk's version. The chunk must already be committed; reading an
// uncommitted slot returns an error rather than faulting.
func (t *Table) Read(slot uint32) ([]byte, error) {
	chunk, off := t.locate(slot)
	if chunk < 0 || chunk >= len(t.committed) || !t.committed[chunk] {
		return nil, fmt.Errorf("fdp/chunktable: slot %d not committed", slot)
	}
	page := t.arena.Page(chunk)
	return page[off : off+t.elemSize], nil
}

// ReadMut returns a mutable view of the raw bytes at slot and bumps the
// chunk's version unconditionally (the caller is assumed to write through
// the returned slice).
func (t *Table) ReadMut(slot uint32, globalVersion uint32) ([]byte, error) {
	chunk, off := t.locate(slot)
	if err := t.EnsureChunk(chunk); err != nil {
		return nil, err
	}
	page := t.arena.Page(chunk)
	t.bumpVersion(chunk, globalVersion)
	return page[off : off+t.elemSize], nil
}

func (t *Table) bumpVersion(chunk int, globalVersion uint32) {
	cur := atomic.LoadUint32(&t.versions[chunk].v)
	if cur != globalVersion {
		atomic.StoreUint32(&t.versions[chunk].v, globalVersion)
	}
}

// ChunkVersion returns chunk i's last-write tick.
func (t *Table) ChunkVersion(i int) uint32 {
	if i < 0 || i >= len(t.versions) {
		return 0
	}
	return atomic.LoadUint32(&t.versions[i].v)
}

// RangeVersion returns the maximum chunk version among every chunk of this
// table that overlaps the entity-slot range [base, base+count). Tables page
// at a granularity set by their own elemSize, so a caller whose range comes
// from a different table's (or the header's) chunking can't assume a single
// chunk index lines up; this walks the table's own chunk boundaries instead
// of trusting the caller's chunk numbering. The result is a conservative
// over-approximation when the queried range spans only part of a chunk.
func (t *Table) RangeVersion(base uint32, count int) uint32 {
	if count <= 0 {
		return 0
	}
	firstChunk, _ := t.locate(base)
	lastChunk, _ := t.locate(base + uint32(count) - 1)
	if firstChunk < 0 {
		firstChunk = 0
	}
	if lastChunk >= len(t.versions) {
		lastChunk = len(t.versions) - 1
	}
	var max uint32
	for c := firstChunk; c <= lastChunk; c++ {
		if v := t.ChunkVersion(c); v > max {
			max = v
		}
	}
	return max
}

// SetChunkVersion forcibly sets chunk i's version counter, used by the
// Snapshot Provider's replica sync, which adopts the source table's chunk
// version directly rather than stamping the replica's own global tick.
func (t *Table) SetChunkVersion(i int, v uint32) {
	if i < 0 || i >= len(t.versions) {
		return
	}
	atomic.StoreUint32(&t.versions[i].v, v)
}

// ChunkCommitted reports whether chunk i has been committed.
func (t *Table) ChunkCommitted(i int) bool {
	if i < 0 || i >= len(t.committed) {
		return false
	}
	return t.committed[i]
}

// ChunkPtr returns the raw byte slice backing chunk i. The chunk must be
// committed.
func (t *Table) ChunkPtr(i int) []byte {
	return t.arena.Page(i)
}

// SanitizeChunkIntoBuffer copies chunk i's contents into out (which must be
// at least one chunk long), then zeroes every slot whose liveness bit is
// clear in the copy only — live memory is never touched. Used exclusively
// by the snapshot codec so dead slots compress well and never leak stale
// data into a save file.
func (t *Table) SanitizeChunkIntoBuffer(i int, liveness []bool, out []byte) error {
	if i < 0 || i >= len(t.committed) {
		return fmt.Errorf("fdp/chunktable: chunk %d out of range", i)
	}
	if !t.committed[i] {
		for j := range out[:memvm.PageSize] {
			out[j] = 0
		}
		return nil
	}
	src := t.arena.Page(i)
	n := copy(out, src)
	_ = n
	for slot := 0; slot < t.chunkCap && slot < len(liveness); slot++ {
		if liveness[slot] {
			continue
		}
		off := slot * t.elemSize
		for b := off; b < off+t.elemSize; b++ {
			out[b] = 0
		}
	}
	return nil
}

// SetRawChunkBytes overwrites chunk i from src, committing the chunk first
// if needed. Used by the playback engine when applying a snapshot frame.
func (t *Table) SetRawChunkBytes(i int, src []byte) error {
	if err := t.EnsureChunk(i); err != nil {
		return err
	}
	page := t.arena.Page(i)
	copy(page, src)
	return nil
}

// Clear zeroes every committed chunk's contents while leaving commitments
// (and hence physical backing) intact, per Repository.clear(): pages
// stay resident for reuse.
func (t *Table) Clear() {
	for i, committed := range t.committed {
		if !committed {
			continue
		}
		page := t.arena.Page(i)
		for b := range page {
			page[b] = 0
		}
		atomic.StoreUint32(&t.versions[i].v, 0)
	}
}

// ElemSize returns the size in bytes of one record.
func (t *Table) ElemSize() int { return t.elemSize }

// Release tears down the underlying arena. The table must not be used
// afterwards.
func (t *Table) Release() error {
	return t.arena.Release()
}
