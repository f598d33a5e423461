package memvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRoundsUpToPageSize(t *testing.T) {
	a, err := Reserve(1)
	require.NoError(t, err)
	defer a.Release()
	assert.Equal(t, 1, a.PageCount())
}

func TestCommitIsZeroedAndIdempotent(t *testing.T) {
	a, err := Reserve(PageSize * 2)
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Commit(0))
	assert.True(t, a.Committed(0))
	assert.False(t, a.Committed(1))

	page := a.Page(0)
	for _, b := range page {
		require.Zero(t, b)
	}

	page[0] = 0xFF
	require.NoError(t, a.Commit(0)) // idempotent, must not re-zero
	assert.Equal(t, byte(0xFF), a.Page(0)[0])
}

func TestDecommitZeroesOnNextCommit(t *testing.T) {
	a, err := Reserve(PageSize)
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Commit(0))
	a.Page(0)[10] = 0x42
	require.NoError(t, a.Decommit(0))
	assert.False(t, a.Committed(0))

	require.NoError(t, a.Commit(0))
	assert.Zero(t, a.Page(0)[10])
}

func TestCommitOutOfRange(t *testing.T) {
	a, err := Reserve(PageSize)
	require.NoError(t, err)
	defer a.Release()

	assert.Error(t, a.Commit(-1))
	assert.Error(t, a.Commit(1))
}

func TestReleaseThenIdempotent(t *testing.T) {
	a, err := Reserve(PageSize)
	require.NoError(t, err)
	require.NoError(t, a.Release())
	require.NoError(t, a.Release()) // already-nil mem is a no-op
}
