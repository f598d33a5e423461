package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOnEmptySlotIsNil(t *testing.T) {
	h := New[int](4)
	assert.Nil(t, h.Get(0))
	assert.Equal(t, 0, h.Count(0))
}

func TestAddAndGet(t *testing.T) {
	h := New[int](4)
	h.Add(2, 10)
	h.Add(2, 20)
	h.Add(2, 30)
	assert.Equal(t, []int{10, 20, 30}, h.Get(2))
	assert.Equal(t, 3, h.Count(2))
}

func TestAddGrowsBackingBlock(t *testing.T) {
	h := New[int](1)
	for i := 0; i < 9; i++ {
		h.Add(0, i)
	}
	parts := h.Get(0)
	require.Len(t, parts, 9)
	for i := 0; i < 9; i++ {
		assert.Equal(t, i, parts[i])
	}
}

func TestRemoveSwapsWithLast(t *testing.T) {
	h := New[int](1)
	h.Add(0, 1)
	h.Add(0, 2)
	h.Add(0, 3)
	h.Remove(0, 0) // swaps index 0 with last (3)
	assert.Equal(t, []int{3, 2}, h.Get(0))
	assert.Equal(t, 2, h.Count(0))
}

func TestRemoveOutOfRangeIsNoop(t *testing.T) {
	h := New[int](1)
	h.Add(0, 1)
	h.Remove(0, 5)
	h.Remove(0, -1)
	assert.Equal(t, []int{1}, h.Get(0))
}

func TestClearDropsButAllowsReAdd(t *testing.T) {
	h := New[int](1)
	h.Add(0, 1)
	h.Add(0, 2)
	h.Clear(0)
	assert.Nil(t, h.Get(0))
	assert.Equal(t, 0, h.Count(0))

	h.Add(0, 99)
	assert.Equal(t, []int{99}, h.Get(0))
}

func TestRebuildPreservesLiveDataAndReclaimsAbandonedBlocks(t *testing.T) {
	h := New[int](2)
	h.Add(0, 1)
	h.Add(1, 2)
	h.Clear(0) // abandons slot 0's block

	beforeBlocks := len(h.blocks)
	h.Rebuild()
	assert.Less(t, len(h.blocks), beforeBlocks)
	assert.Equal(t, []int{2}, h.Get(1))
	assert.Nil(t, h.Get(0))
}

func TestRebuildSharedBlockRemap(t *testing.T) {
	h := New[int](3)
	h.Add(0, 1)
	h.Add(1, 2)
	h.Add(2, 3)
	h.Rebuild()
	assert.Equal(t, []int{1}, h.Get(0))
	assert.Equal(t, []int{2}, h.Get(1))
	assert.Equal(t, []int{3}, h.Get(2))
}

func TestWrapAnyFacade(t *testing.T) {
	h := New[string](2)
	a := Wrap(h)
	a.AddAny(0, "x")
	a.AddAny(0, "y")
	assert.Equal(t, []any{"x", "y"}, a.GetAny(0))
	assert.Equal(t, 2, a.Count(0))

	a.Remove(0, 0)
	assert.Equal(t, []any{"y"}, a.GetAny(0))

	a.Clear(0)
	assert.Equal(t, 0, a.Count(0))

	a.Rebuild() // must not panic on an Any facade
}

func TestEnsureSlotGrowsIndirectionOnDemand(t *testing.T) {
	h := New[int](0)
	h.Add(5, 42)
	assert.Equal(t, []int{42}, h.Get(5))
}
