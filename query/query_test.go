package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdpkernel/fdp/entityindex"
)

func setComponent(ix *entityindex.Index, slot uint32, id uint8, tick uint32) {
	hdr := ix.Header(slot)
	hdr.ComponentMask = hdr.ComponentMask.Set(id)
	hdr.LastChangeTick = tick
}

func TestBuilderWithWithoutBuild(t *testing.T) {
	q := NewBuilder().With(1).With(2).Without(3).Build()
	assert.True(t, q.Include.Test(1))
	assert.True(t, q.Include.Test(2))
	assert.True(t, q.Exclude.Test(3))
}

func TestQueryMatchesRequiresIncludeAndExcludesExclude(t *testing.T) {
	q := NewBuilder().With(1).Without(2).Build()
	hdr := &entityindex.Header{}
	hdr.ComponentMask = hdr.ComponentMask.Set(1)
	assert.True(t, q.Matches(hdr))

	hdr.ComponentMask = hdr.ComponentMask.Set(2)
	assert.False(t, q.Matches(hdr))
}

func TestQueryMatchesWithOwned(t *testing.T) {
	q := NewBuilder().With(1).WithOwned(5).Build()
	hdr := &entityindex.Header{}
	hdr.ComponentMask = hdr.ComponentMask.Set(1)
	assert.False(t, q.Matches(hdr))

	hdr.AuthorityMask = hdr.AuthorityMask.Set(5)
	assert.True(t, q.Matches(hdr))
}

func TestFullSkipsInactiveAndNonMatching(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	h1 := ix.Create(1)
	ix.Create(1) // never touches component 1

	setComponent(ix, h0.Index, 1, 1)
	setComponent(ix, h1.Index, 1, 1)

	q := NewBuilder().With(1).Build()
	var matched []uint32
	Full(ix, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.ElementsMatch(t, []uint32{h0.Index, h1.Index}, matched)
}

func TestFullExcludesDestroyedEntities(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	ix.Destroy(h0, 2)

	q := NewBuilder().Build()
	var matched []uint32
	Full(ix, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.Empty(t, matched)
}

func TestDeltaSkipsUnchangedChunks(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	setComponent(ix, h0.Index, 1, 1)

	q := NewBuilder().With(1).Build()
	var matched []uint32
	Delta(ix, nil, 5, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.Empty(t, matched) // LastChangeTick(1) <= baseline(5)
}

func TestDeltaFindsEntitiesChangedAfterBaseline(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(10)
	setComponent(ix, h0.Index, 1, 10)

	q := NewBuilder().With(1).Build()
	var matched []uint32
	Delta(ix, nil, 5, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.Equal(t, []uint32{h0.Index}, matched)
}

type fakeRangeVersionSource struct {
	version uint32
}

func (f fakeRangeVersionSource) RangeVersion(base uint32, count int) uint32 { return f.version }

func TestDeltaConsultsRefTableVersions(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	setComponent(ix, h0.Index, 1, 1) // header itself says unchanged since baseline

	q := NewBuilder().With(1).Build()
	refs := []TableVersionSource{fakeRangeVersionSource{version: 99}}

	var matched []uint32
	Delta(ix, refs, 5, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.Equal(t, []uint32{h0.Index}, matched)
}

func TestHierarchicalDelegatesToFull(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	setComponent(ix, h0.Index, 1, 1)

	q := NewBuilder().With(1).Build()
	var matched []uint32
	Hierarchical(ix, q, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	assert.Equal(t, []uint32{h0.Index}, matched)
}

func TestTimeSlicedRespectsEntityCountBudgetAndResumes(t *testing.T) {
	ix := entityindex.New()
	var handles []entityindex.Handle
	for i := 0; i < 5; i++ {
		h := ix.Create(1)
		setComponent(ix, h.Index, 1, 1)
		handles = append(handles, h)
	}

	q := NewBuilder().With(1).Build()
	state := &SliceState{}
	var visited []uint32

	TimeSliced(ix, q, state, EntityCount, 2, nil, func(slot uint32, h *entityindex.Header) {
		visited = append(visited, slot)
	})
	assert.Len(t, visited, 2)
	assert.False(t, state.Done)

	TimeSliced(ix, q, state, EntityCount, 2, nil, func(slot uint32, h *entityindex.Header) {
		visited = append(visited, slot)
	})
	assert.Len(t, visited, 4)

	TimeSliced(ix, q, state, EntityCount, 2, nil, func(slot uint32, h *entityindex.Header) {
		visited = append(visited, slot)
	})
	assert.Len(t, visited, 5)
	assert.True(t, state.Done)
	assert.ElementsMatch(t, []uint32{handles[0].Index, handles[1].Index, handles[2].Index, handles[3].Index, handles[4].Index}, visited)
}

func TestTimeSlicedWallClockBudget(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	setComponent(ix, h0.Index, 1, 1)

	q := NewBuilder().With(1).Build()
	state := &SliceState{}
	tick := int64(0)
	now := func() int64 {
		tick += 100
		return tick
	}

	var visited int
	TimeSliced(ix, q, state, WallClockMs, 50, now, func(slot uint32, h *entityindex.Header) {
		visited++
	})
	assert.Equal(t, 1, visited)
}

func TestParallelFallsBackToFullBelowThreshold(t *testing.T) {
	ix := entityindex.New()
	h0 := ix.Create(1)
	setComponent(ix, h0.Index, 1, 1)

	q := NewBuilder().With(1).Build()
	var matched []uint32
	err := Parallel(context.Background(), ix, q, Medium, 4, func(slot uint32, h *entityindex.Header) {
		matched = append(matched, slot)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{h0.Index}, matched)
}

func TestBatchSizeByHint(t *testing.T) {
	assert.Equal(t, 16, batchSize(Light))
	assert.Equal(t, 4, batchSize(Medium))
	assert.Equal(t, 1, batchSize(Heavy))
	assert.Equal(t, 1, batchSize(VeryHeavy))
}
