// Package entityindex implements the Entity Index: the per-slot
// generational header table, free-list allocation, and chunk-level
// liveness/version bookkeeping that every other table's slot numbering is
// defined against.
package entityindex

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fdpkernel/fdp/distype"
	"github.com/fdpkernel/fdp/mask"
)

// Handle is the value-type (index, generation) pair identifying an entity.
// The zero Handle is never alive (generation 0 is reserved).
type Handle struct {
	Index      uint32
	Generation uint16
}

// IsDefault reports whether h is the zero handle.
func (h Handle) IsDefault() bool { return h.Index == 0 && h.Generation == 0 }

// Header is one entity slot's metadata.
type Header struct {
	ComponentMask  mask.Mask
	AuthorityMask  mask.Mask
	Generation     uint16
	Flags          uint16
	DisType        distype.Word
	LastChangeTick uint32
}

const (
	// FlagActive marks a slot as currently holding a live entity.
	FlagActive uint16 = 1 << 0
)

func (h Header) active() bool { return h.Flags&FlagActive != 0 }

// slotsPerChunk applies chunktable's convention (page size / record size)
// to a 96-byte header record. Other tables page at their own element size,
// so header chunk i does not in general cover the same slots as a component
// table's chunk i; cross-table comparisons go through RangeLiveness and
// RangeVersion instead.
const headerRecordSize = 96
const slotsPerChunk = 65536 / headerRecordSize // CHUNK_SIZE_BYTES / sizeof(Header), rounded down (682 slots)

// Index owns the generational header table, free list and structural
// bookkeeping for entity slot allocation.
type Index struct {
	headers    []Header
	freeList   []uint32
	maxIssued  uint32
	activeCnt  uint32
	destructed []DestroyRecord
	chunkVers  []uint32 // chunk i -> max last_change_tick among its slots
	chunkLive  []uint32 // chunk i -> count of currently-active slots, for the query engine's chunk-skip
}

// DestroyRecord is one entry in the frame-local destruction log.
type DestroyRecord struct {
	Index      uint32
	Generation uint16
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

func (ix *Index) chunkOf(slot uint32) int {
	return int(slot) / slotsPerChunk
}

func (ix *Index) ensureChunkVers(chunk int) {
	for len(ix.chunkVers) <= chunk {
		ix.chunkVers = append(ix.chunkVers, 0)
	}
}

func (ix *Index) touchChunkVersion(slot uint32, tick uint32) {
	c := ix.chunkOf(slot)
	ix.ensureChunkVers(c)
	if tick > ix.chunkVers[c] {
		ix.chunkVers[c] = tick
	}
}

func (ix *Index) ensureChunkLive(chunk int) {
	for len(ix.chunkLive) <= chunk {
		ix.chunkLive = append(ix.chunkLive, 0)
	}
}

// Create allocates a slot — preferring the free list over bumping
// maxIssued, for lower allocation latency and better chunk packing — and
// returns the resulting handle.
func (ix *Index) Create(globalVersion uint32) Handle {
	var slot uint32
	if n := len(ix.freeList); n > 0 {
		slot = ix.freeList[n-1]
		ix.freeList = ix.freeList[:n-1]
	} else {
		slot = ix.maxIssued
		ix.maxIssued++
	}
	for int(slot) >= len(ix.headers) {
		ix.headers = append(ix.headers, Header{})
	}
	h := &ix.headers[slot]
	gen := nextGeneration(h.Generation)
	*h = Header{
		Generation:     gen,
		Flags:          FlagActive,
		LastChangeTick: globalVersion,
	}
	ix.activeCnt++
	ix.touchChunkVersion(slot, globalVersion)
	c := ix.chunkOf(slot)
	ix.ensureChunkLive(c)
	ix.chunkLive[c]++
	return Handle{Index: slot, Generation: gen}
}

// nextGeneration increments a generation, skipping 0 on wraparound (0 is
// reserved for "never created / default").
func nextGeneration(g uint16) uint16 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}

// Destroy invalidates h's slot, bumps its generation, and pushes it onto
// the free list.
func (ix *Index) Destroy(h Handle, globalVersion uint32) bool {
	if !ix.IsAlive(h) {
		return false
	}
	hdr := &ix.headers[h.Index]
	hdr.Flags &^= FlagActive
	hdr.ComponentMask = mask.Mask{}
	hdr.AuthorityMask = mask.Mask{}
	hdr.Generation = nextGeneration(hdr.Generation)
	hdr.LastChangeTick = globalVersion
	ix.freeList = append(ix.freeList, h.Index)
	ix.activeCnt--
	ix.destructed = append(ix.destructed, DestroyRecord{Index: h.Index, Generation: h.Generation})
	ix.touchChunkVersion(h.Index, globalVersion)
	c := ix.chunkOf(h.Index)
	ix.ensureChunkLive(c)
	if ix.chunkLive[c] > 0 {
		ix.chunkLive[c]--
	}
	return true
}

// IsAlive reports whether h refers to a currently-live slot.
func (ix *Index) IsAlive(h Handle) bool {
	if h.IsDefault() {
		return false
	}
	if int(h.Index) >= len(ix.headers) {
		return false
	}
	hdr := &ix.headers[h.Index]
	return hdr.Generation == h.Generation && hdr.active()
}

// Header returns a pointer to slot h.Index's header, regardless of
// liveness; callers must check IsAlive themselves where that matters.
func (ix *Index) Header(slot uint32) *Header {
	if int(slot) >= len(ix.headers) {
		return nil
	}
	return &ix.headers[slot]
}

// MaxIssued returns one past the highest slot index ever allocated.
func (ix *Index) MaxIssued() uint32 { return ix.maxIssued }

// ActiveCount returns the number of currently-live slots.
func (ix *Index) ActiveCount() uint32 { return ix.activeCnt }

// DrainDestructions returns and clears the frame-local destruction log.
func (ix *Index) DrainDestructions() []DestroyRecord {
	out := ix.destructed
	ix.destructed = nil
	return out
}

// ChunkLiveness sets bit i of out for every slot in chunk c whose IsActive
// flag is set. out must have at least slotsPerChunk bits available.
func (ix *Index) ChunkLiveness(c int, out []bool) {
	base := c * slotsPerChunk
	for i := 0; i < slotsPerChunk && i < len(out); i++ {
		slot := base + i
		if slot >= len(ix.headers) {
			out[i] = false
			continue
		}
		out[i] = ix.headers[slot].active()
	}
}

// RangeLiveness fills out[0:count] with each slot's IsActive flag for the
// arbitrary entity-slot range [base, base+count). Component tables other
// than the header table page their own chunks at a different entity-count
// granularity (capacity depends on each type's elem size), so liveness and
// change-detection must be queried by slot range rather than by the
// header's own chunk number; see the snapshot codec's writer.
func (ix *Index) RangeLiveness(base uint32, count int, out []bool) {
	for i := 0; i < count && i < len(out); i++ {
		slot := int(base) + i
		if slot >= len(ix.headers) {
			out[i] = false
			continue
		}
		out[i] = ix.headers[slot].active()
	}
}

// RangeVersion returns the maximum last_change_tick among slots in
// [base, base+count), for the same reason RangeLiveness exists: a
// component table's chunk boundaries don't line up with the header
// table's own.
func (ix *Index) RangeVersion(base uint32, count int) uint32 {
	var max uint32
	end := int(base) + count
	if end > len(ix.headers) {
		end = len(ix.headers)
	}
	for i := int(base); i < end; i++ {
		if ix.headers[i].LastChangeTick > max {
			max = ix.headers[i].LastChangeTick
		}
	}
	return max
}

// ChunkVersion returns the last tick any structural change happened within
// chunk c.
func (ix *Index) ChunkVersion(c int) uint32 {
	if c < 0 || c >= len(ix.chunkVers) {
		return 0
	}
	return ix.chunkVers[c]
}

// ChunkActiveCount returns the number of currently-live slots in chunk c,
// letting the query engine's full-scan iterator skip entirely dead chunks
// in O(1) instead of rescanning every slot.
func (ix *Index) ChunkActiveCount(c int) int {
	if c < 0 || c >= len(ix.chunkLive) {
		return 0
	}
	return int(ix.chunkLive[c])
}

// SlotsPerChunk exposes the header chunk granularity for callers (e.g. the
// snapshot codec) that must align other tables' chunk numbering against it.
func SlotsPerChunk() int { return slotsPerChunk }

// TotalChunks returns the number of header chunks currently tracked.
func (ix *Index) TotalChunks() int {
	if ix.maxIssued == 0 {
		return 0
	}
	return (int(ix.maxIssued) + slotsPerChunk - 1) / slotsPerChunk
}

// ForceRestore is used during keyframe apply: it sets slot's generation
// directly, expands capacity as needed, and bumps maxIssued — without
// touching the free list (the free list is reconstructed afterwards by
// RebuildMetadata).
func (ix *Index) ForceRestore(slot uint32, generation uint16, flags uint16) {
	for int(slot) >= len(ix.headers) {
		ix.headers = append(ix.headers, Header{})
	}
	ix.headers[slot].Generation = generation
	ix.headers[slot].Flags = flags
	if uint32(slot)+1 > ix.maxIssued {
		ix.maxIssued = uint32(slot) + 1
	}
}

// SetHeaderRaw overwrites slot's header wholesale, expanding capacity as
// needed. Used by playback applying a restored header chunk; maxIssued and
// the free list are left untouched (RebuildMetadata repairs them
// afterwards).
func (ix *Index) SetHeaderRaw(slot uint32, h Header) {
	for int(slot) >= len(ix.headers) {
		ix.headers = append(ix.headers, Header{})
	}
	ix.headers[slot] = h
}

// CopyChunkFrom overwrites header chunk c's slots from src, adopting its
// chunk version. Used by the Snapshot Provider's Global Double
// Buffer/On-Demand replica sync; the caller is responsible for
// calling RebuildMetadata once after all touched chunks are copied, since
// max_issued/active_count/free_list are derived, not per-chunk, state.
func (ix *Index) CopyChunkFrom(src *Index, c int) {
	base := c * slotsPerChunk
	for i := 0; i < slotsPerChunk; i++ {
		slot := base + i
		if slot >= len(src.headers) {
			break
		}
		for len(ix.headers) <= slot {
			ix.headers = append(ix.headers, Header{})
		}
		ix.headers[slot] = src.headers[slot]
	}
	ix.ensureChunkVers(c)
	ix.chunkVers[c] = src.ChunkVersion(c)
}

// RebuildMetadata scans every allocated header slot after bulk injection
// (keyframe/delta chunk overwrite) and recomputes active_count, max_issued
// (one past the highest slot with a non-zero generation), and the free list
// from observed truth.
func (ix *Index) RebuildMetadata() {
	var active uint32
	var maxIdx uint32
	freeList := make([]uint32, 0)
	live := roaring.New()
	for i := range ix.headers {
		h := &ix.headers[i]
		if h.Generation != 0 && h.active() {
			active++
			live.Add(uint32(i))
			if uint32(i)+1 > maxIdx {
				maxIdx = uint32(i) + 1
			}
		} else if h.Generation != 0 {
			if uint32(i)+1 > maxIdx {
				maxIdx = uint32(i) + 1
			}
		}
	}
	for i := uint32(0); i < maxIdx; i++ {
		if !live.Contains(i) {
			freeList = append(freeList, i)
		}
	}
	ix.activeCnt = active
	ix.maxIssued = maxIdx
	ix.freeList = freeList

	chunkCount := (int(maxIdx) + slotsPerChunk - 1) / slotsPerChunk
	ix.chunkLive = make([]uint32, chunkCount)
	for i := uint32(0); i < maxIdx; i++ {
		if ix.headers[i].active() {
			ix.chunkLive[ix.chunkOf(i)]++
		}
	}
}

// Clear resets the index to empty while leaving the underlying headers
// slice allocated (component tables keep their commitments too; only the
// logical content is reset).
func (ix *Index) Clear() {
	for i := range ix.headers {
		ix.headers[i] = Header{}
	}
	ix.freeList = ix.freeList[:0]
	ix.maxIssued = 0
	ix.activeCnt = 0
	ix.destructed = nil
	for i := range ix.chunkVers {
		ix.chunkVers[i] = 0
	}
	for i := range ix.chunkLive {
		ix.chunkLive[i] = 0
	}
}
