// Package reftable implements the Reference-Backed Chunk Table:
// storage for a single reference-typed (Tier 2) component type. Unlike
// chunktable, there is no raw memory to page — Go's garbage collector
// already owns reference lifetime — so storage is plain chunked slices of
// interface values. Its chunk capacity is fixed at PageSize/8 slots, so its
// chunk boundaries match only a chunktable with 8-byte elements, not the
// entity index's header chunks; callers comparing across tables use slot
// ranges (RangeVersion) rather than chunk indices.
package reftable

import (
	"fmt"
	"sync/atomic"

	"github.com/fdpkernel/fdp/memvm"
)

// Table stores reference-typed component values, one slot per entity
// index, chunked at PageSize/8 slots per chunk.
type Table struct {
	chunkCap int
	chunks   [][]any
	versions [][]uint32 // per-slot version, not per-chunk: Tier 2 has finer delta granularity
	touched  []bool     // whether a chunk has ever been allocated
}

// New creates an empty reference table sized to track up to maxEntities
// slots, using the same chunk capacity memvm/chunktable would for a
// pointer-sized element. Chunk i here covers a different slot range than
// chunk i of a table with another element size or of the entity index.
func New(maxEntities int) *Table {
	chunkCap := memvm.PageSize / 8 // slot-count parity with an 8-byte Tier-1 element
	if chunkCap < 1 {
		chunkCap = 1
	}
	chunkCount := (maxEntities + chunkCap - 1) / chunkCap
	if chunkCount < 1 {
		chunkCount = 1
	}
	return &Table{
		chunkCap: chunkCap,
		chunks:   make([][]any, chunkCount),
		versions: make([][]uint32, chunkCount),
		touched:  make([]bool, chunkCount),
	}
}

// ChunkCapacity returns the number of slots per chunk.
func (t *Table) ChunkCapacity() int { return t.chunkCap }

// TotalChunks returns the number of chunks.
func (t *Table) TotalChunks() int { return len(t.chunks) }

func (t *Table) locate(slot uint32) (chunk, off int) {
	chunk = int(slot) / t.chunkCap
	off = int(slot) % t.chunkCap
	return
}

func (t *Table) ensure(chunk int) error {
	if chunk < 0 || chunk >= len(t.chunks) {
		return fmt.Errorf("fdp/reftable: chunk %d out of range", chunk)
	}
	if !t.touched[chunk] {
		t.chunks[chunk] = make([]any, t.chunkCap)
		t.versions[chunk] = make([]uint32, t.chunkCap)
		t.touched[chunk] = true
	}
	return nil
}

// Write stores v at slot and records the slot's version as globalVersion.
func (t *Table) Write(slot uint32, v any, globalVersion uint32) error {
	chunk, off := t.locate(slot)
	if err := t.ensure(chunk); err != nil {
		return err
	}
	t.chunks[chunk][off] = v
	atomic.StoreUint32(&t.versions[chunk][off], globalVersion)
	return nil
}

// Read returns the value stored at slot, or nil if the chunk was never
// allocated or the slot holds an explicit nil.
func (t *Table) Read(slot uint32) any {
	chunk, off := t.locate(slot)
	if chunk < 0 || chunk >= len(t.chunks) || !t.touched[chunk] {
		return nil
	}
	return t.chunks[chunk][off]
}

// Clear drops every stored value (letting the GC reclaim them) and resets
// all versions, while keeping the chunk slices allocated (parity with
// chunktable's "commitments stay resident" semantics).
func (t *Table) Clear() {
	for c, touched := range t.touched {
		if !touched {
			continue
		}
		for i := range t.chunks[c] {
			t.chunks[c][i] = nil
			t.versions[c][i] = 0
		}
	}
}

// ChunkVersion returns the maximum per-slot version within chunk i, giving
// the query engine's delta iterator a chunk-level skip test symmetric with
// chunktable's cache-line-padded counter (Tier 2 keeps the finer per-slot
// granularity internally but exposes this coarser view for chunk-skip).
func (t *Table) ChunkVersion(i int) uint32 {
	if i < 0 || i >= len(t.chunks) || !t.touched[i] {
		return 0
	}
	var max uint32
	for _, v := range t.versions[i] {
		if v > max {
			max = v
		}
	}
	return max
}

// RangeVersion returns the maximum per-slot version among slots in
// [base, base+count). Unlike chunktable's RangeVersion, this is exact: Tier
// 2 already tracks versions per slot rather than per chunk.
func (t *Table) RangeVersion(base uint32, count int) uint32 {
	var max uint32
	end := int(base) + count
	for slot := int(base); slot < end; slot++ {
		if v := t.SlotVersion(uint32(slot)); v > max {
			max = v
		}
	}
	return max
}

// SlotVersion returns the last-write tick for a single slot.
func (t *Table) SlotVersion(slot uint32) uint32 {
	chunk, off := t.locate(slot)
	if chunk < 0 || chunk >= len(t.chunks) || !t.touched[chunk] {
		return 0
	}
	return atomic.LoadUint32(&t.versions[chunk][off])
}

// DeltaSlot is one slot's payload as surfaced by SerializeDelta.
type DeltaSlot struct {
	Slot  uint32
	Value any // nil means an explicit null, still written (nulls are always explicitly encoded)
}

// SerializeDelta appends every slot in chunk i whose version exceeds
// baselineTick to out, in ascending slot order.
func (t *Table) SerializeDelta(chunkIdx int, baselineTick uint32, out []DeltaSlot) []DeltaSlot {
	if chunkIdx < 0 || chunkIdx >= len(t.chunks) || !t.touched[chunkIdx] {
		return out
	}
	base := uint32(chunkIdx) * uint32(t.chunkCap)
	for off, v := range t.versions[chunkIdx] {
		if v > baselineTick {
			out = append(out, DeltaSlot{Slot: base + uint32(off), Value: t.chunks[chunkIdx][off]})
		}
	}
	return out
}

// SetRawChunkSlots overwrites every slot of chunk i from slots (used by the
// playback engine applying a restored chunk).
func (t *Table) SetRawChunkSlots(chunkIdx int, slots []DeltaSlot, globalVersion uint32) error {
	if err := t.ensure(chunkIdx); err != nil {
		return err
	}
	for _, s := range slots {
		_, off := t.locate(s.Slot)
		t.chunks[chunkIdx][off] = s.Value
		t.versions[chunkIdx][off] = globalVersion
	}
	return nil
}

// CopyChunkFrom overwrites chunk i's slots and per-slot versions from
// src's corresponding chunk (both tables must share the same chunk
// capacity), used by the Snapshot Provider's replica sync. Values are
// copied by reference, not deep-cloned: reference-typed tables are
// shallow-copied on sync.
func (t *Table) CopyChunkFrom(src *Table, i int) error {
	if i < 0 || i >= len(src.chunks) || !src.touched[i] {
		return nil
	}
	if err := t.ensure(i); err != nil {
		return err
	}
	copy(t.chunks[i], src.chunks[i])
	copy(t.versions[i], src.versions[i])
	return nil
}

// ChunkTouched reports whether a chunk has been allocated at all.
func (t *Table) ChunkTouched(i int) bool {
	if i < 0 || i >= len(t.touched) {
		return false
	}
	return t.touched[i]
}
