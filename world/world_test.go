package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdpkernel/fdp/errs"
)

type position struct {
	X, Y, Z float32
}

type marker struct{}

type tagComponent struct{}

type note struct {
	Text string
}

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w, err := New(Config{MaxEntities: 64})
	require.NoError(t, err)
	return w
}

func TestNewAppliesDefaultMaxEntities(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestCreateAndDestroyEntity(t *testing.T) {
	w := newTestWorld(t)
	h := w.CreateEntity()
	assert.True(t, w.IsAlive(h))
	require.NoError(t, w.DestroyEntity(h))
	assert.False(t, w.IsAlive(h))
}

func TestDestroyStaleHandleReturnsError(t *testing.T) {
	w := newTestWorld(t)
	h := w.CreateEntity()
	require.NoError(t, w.DestroyEntity(h))
	err := w.DestroyEntity(h)
	assert.ErrorIs(t, err, errs.ErrStaleHandle)
}

func TestRegisterByteValueAddGetRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterByteValue[position](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	require.NoError(t, Add(w, h, position{X: 1, Y: 2, Z: 3}))

	got, err := Get[position](w, h)
	require.NoError(t, err)
	assert.Equal(t, position{X: 1, Y: 2, Z: 3}, got)
	assert.True(t, Has[position](w, h))
}

func TestRegisterTagSizeOneAndHas(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterTag[tagComponent](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	require.NoError(t, Add(w, h, tagComponent{}))
	assert.True(t, Has[tagComponent](w, h))
}

func TestRegisterReferenceAddGetManaged(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterReference[*note](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	n := &note{Text: "hello"}
	require.NoError(t, Add(w, h, n))

	got, ok := GetManaged[*note](w, h)
	require.True(t, ok)
	assert.Same(t, n, got)
}

func TestRemoveClearsComponentMaskOnly(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterByteValue[position](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	require.NoError(t, Add(w, h, position{X: 1}))
	require.NoError(t, Remove[position](w, h))
	assert.False(t, Has[position](w, h))
}

func TestAddUnregisteredTypeErrors(t *testing.T) {
	w := newTestWorld(t)
	h := w.CreateEntity()
	err := Add(w, h, position{})
	assert.Error(t, err)
}

func TestGetMutBumpsVersionRegardlessOfContentChange(t *testing.T) {
	w := newTestWorld(t)
	id, err := RegisterByteValue[position](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	require.NoError(t, Add(w, h, position{X: 1}))

	w.Tick()
	buf, err := GetMut[position](w, h)
	require.NoError(t, err)
	require.Len(t, buf, 12)

	tbl, ok := w.RawByteTable(id)
	require.True(t, ok)
	assert.EqualValues(t, w.GlobalVersion(), tbl.ChunkVersion(0))
}

func TestMultiPartAddGetRemove(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterMultiPart[note](w)
	require.NoError(t, err)

	h := w.CreateEntity()
	require.NoError(t, AddPart(w, h, note{Text: "a"}))
	require.NoError(t, AddPart(w, h, note{Text: "b"}))

	parts := Parts[note](w, h)
	require.Len(t, parts, 2)

	require.NoError(t, RemovePart[note](w, h, 0))
	parts = Parts[note](w, h)
	require.Len(t, parts, 1)
	assert.Equal(t, "b", parts[0].Text)
}

func TestSetDisTypeRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	h := w.CreateEntity()
	require.NoError(t, w.SetDisType(h, 0xC0FFEE))
	hdr := w.Header(h.Index)
	assert.EqualValues(t, 0xC0FFEE, uint64(hdr.DisType))
}

func TestCheckWriteRejectsDuringReadOnlyPhase(t *testing.T) {
	w := newTestWorld(t)
	_, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	h := w.CreateEntity()

	require.NoError(t, w.PhaseMachine().SetPhase("NetworkReceive"))
	require.NoError(t, w.PhaseMachine().SetPhase("Simulation"))
	require.NoError(t, w.PhaseMachine().SetPhase("NetworkSend")) // ReadOnly

	err = Add(w, h, position{X: 1})
	assert.ErrorIs(t, err, errs.ErrWrongPhase)
}

func TestSetAuthorityGrantsOwnedOnlyWriteDuringSimulation(t *testing.T) {
	w := newTestWorld(t)
	id, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	h := w.CreateEntity()

	require.NoError(t, w.PhaseMachine().SetPhase("NetworkReceive"))
	require.NoError(t, w.PhaseMachine().SetPhase("Simulation")) // OwnedOnly

	// Without authority, Simulation's OwnedOnly gate rejects the write.
	err = Add(w, h, position{X: 1})
	assert.ErrorIs(t, err, errs.ErrWrongPhase)

	require.NoError(t, w.SetAuthority(h, uint8(id), true))
	require.NoError(t, Add(w, h, position{X: 1}))

	require.NoError(t, w.SetAuthority(h, uint8(id), false))
	err = Add(w, h, position{X: 2})
	assert.ErrorIs(t, err, errs.ErrWrongPhase)
}

func TestSetAuthorityOnStaleHandleErrors(t *testing.T) {
	w := newTestWorld(t)
	h := w.CreateEntity()
	require.NoError(t, w.DestroyEntity(h))
	err := w.SetAuthority(h, 0, true)
	assert.ErrorIs(t, err, errs.ErrStaleHandle)
}

func TestClearResetsIndexAndTables(t *testing.T) {
	w := newTestWorld(t)
	id, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	h := w.CreateEntity()
	require.NoError(t, Add(w, h, position{X: 9}))

	w.Clear()
	assert.False(t, w.IsAlive(h))
	tbl, ok := w.RawByteTable(id)
	require.True(t, ok)
	assert.EqualValues(t, 0, tbl.ChunkVersion(0))
}

func TestAddComponentRawRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	id, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	h := w.CreateEntity()

	raw := encode(position{X: 4, Y: 5, Z: 6})
	require.NoError(t, w.AddComponentRaw(h, uint8(id), raw))

	got, err := Get[position](w, h)
	require.NoError(t, err)
	assert.Equal(t, position{X: 4, Y: 5, Z: 6}, got)
}

func TestAddComponentRawOnStaleHandleIsNoop(t *testing.T) {
	w := newTestWorld(t)
	id, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	h := w.CreateEntity()
	require.NoError(t, w.DestroyEntity(h))

	err = w.AddComponentRaw(h, uint8(id), encode(position{X: 1}))
	assert.NoError(t, err)
}

func TestByteTableIDsAndRefTableIDsReflectRegistrations(t *testing.T) {
	w := newTestWorld(t)
	bID, err := RegisterByteValue[position](w)
	require.NoError(t, err)
	rID, err := RegisterReference[*note](w)
	require.NoError(t, err)

	assert.Contains(t, w.ByteTableIDs(), bID)
	assert.Contains(t, w.RefTableIDs(), rID)
}
