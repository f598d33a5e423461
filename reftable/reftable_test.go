package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(3, "hello", 5))
	assert.Equal(t, "hello", tbl.Read(3))
}

func TestReadUntouchedChunkIsNil(t *testing.T) {
	tbl := New(16)
	assert.Nil(t, tbl.Read(0))
}

func TestExplicitNilIsDistinctFromUntouched(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(0, nil, 1))
	assert.True(t, tbl.ChunkTouched(0))
	assert.Nil(t, tbl.Read(0))
}

func TestChunkVersionIsMaxOfSlots(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(0, "a", 3))
	require.NoError(t, tbl.Write(1, "b", 9))
	require.NoError(t, tbl.Write(2, "c", 1))
	assert.EqualValues(t, 9, tbl.ChunkVersion(0))
}

func TestRangeVersionExactAcrossSlots(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(0, "a", 3))
	require.NoError(t, tbl.Write(1, "b", 9))
	require.NoError(t, tbl.Write(2, "c", 1))

	assert.EqualValues(t, 3, tbl.RangeVersion(0, 1))
	assert.EqualValues(t, 9, tbl.RangeVersion(0, 2))
	assert.EqualValues(t, 1, tbl.RangeVersion(2, 1))
}

func TestSerializeDeltaOnlyAboveBaseline(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(0, "a", 3))
	require.NoError(t, tbl.Write(1, "b", 9))

	out := tbl.SerializeDelta(0, 5, nil)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].Slot)
	assert.Equal(t, "b", out[0].Value)
}

func TestSetRawChunkSlotsAppliesAndStampsVersion(t *testing.T) {
	tbl := New(16)
	slots := []DeltaSlot{{Slot: 0, Value: "x"}, {Slot: 2, Value: "y"}}
	require.NoError(t, tbl.SetRawChunkSlots(0, slots, 11))
	assert.Equal(t, "x", tbl.Read(0))
	assert.Equal(t, "y", tbl.Read(2))
	assert.EqualValues(t, 11, tbl.SlotVersion(0))
}

func TestCopyChunkFromIsShallow(t *testing.T) {
	src := New(16)
	type payload struct{ N int }
	p := &payload{N: 1}
	require.NoError(t, src.Write(0, p, 4))

	dst := New(16)
	require.NoError(t, dst.CopyChunkFrom(src, 0))

	got := dst.Read(0).(*payload)
	assert.Same(t, p, got)
	assert.EqualValues(t, 4, dst.SlotVersion(0))
}

func TestCopyChunkFromUntouchedSourceIsNoop(t *testing.T) {
	src := New(16)
	dst := New(16)
	require.NoError(t, dst.CopyChunkFrom(src, 0))
	assert.False(t, dst.ChunkTouched(0))
}

func TestClearDropsValuesKeepsChunkAllocated(t *testing.T) {
	tbl := New(16)
	require.NoError(t, tbl.Write(0, "a", 5))
	tbl.Clear()
	assert.True(t, tbl.ChunkTouched(0))
	assert.Nil(t, tbl.Read(0))
	assert.EqualValues(t, 0, tbl.SlotVersion(0))
}
