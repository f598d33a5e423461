package seek

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdpkernel/fdp/playback"
	"github.com/fdpkernel/fdp/snapshot"
	"github.com/fdpkernel/fdp/world"
)

// buildStream writes a WorldHeader followed by one frame per entry in ticks,
// alternating kind as specified, and returns the raw bytes.
func buildStream(t *testing.T, frames []snapshot.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, snapshot.WriteWorldHeader(&buf, snapshot.WorldHeader{FormatVersion: snapshot.CurrentFormatVersion}))
	for _, f := range frames {
		require.NoError(t, snapshot.WriteFrame(&buf, f))
	}
	return buf.Bytes()
}

func newPlayer(t *testing.T) *playback.Player {
	t.Helper()
	w, err := world.New(world.Config{MaxEntities: 8})
	require.NoError(t, err)
	return playback.NewPlayer(w)
}

func testFrames() []snapshot.Frame {
	return []snapshot.Frame{
		{Tick: 1, Kind: snapshot.FrameKeyframe},
		{Tick: 2, Kind: snapshot.FrameDelta},
		{Tick: 3, Kind: snapshot.FrameDelta},
		{Tick: 4, Kind: snapshot.FrameKeyframe},
		{Tick: 5, Kind: snapshot.FrameDelta},
	}
}

func TestOpenScansKeyframeIndexAndRestoresReadPosition(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)

	c, err := Open(r, newPlayer(t), Config{TurboThreshold: 100})
	require.NoError(t, err)

	kf, found := c.greatestKeyframeAtOrBefore(3)
	require.True(t, found)
	assert.EqualValues(t, 1, kf.Tick)

	kf, found = c.greatestKeyframeAtOrBefore(4)
	require.True(t, found)
	assert.EqualValues(t, 4, kf.Tick)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, c.dataStart, pos)
}

func TestSeekToTickJumpsToKeyframeAndRollsForward(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 100})
	require.NoError(t, err)

	require.NoError(t, c.SeekToTick(3))
	assert.EqualValues(t, 3, player.CurrentTick())
}

func TestSeekToTickWithNoKeyframeBeforeTargetErrors(t *testing.T) {
	frames := []snapshot.Frame{
		{Tick: 5, Kind: snapshot.FrameDelta},
	}
	data := buildStream(t, frames)
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{})
	require.NoError(t, err)

	err = c.SeekToTick(5)
	assert.Error(t, err)
}

func TestFastForwardSequentialAppliesNFrames(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 100})
	require.NoError(t, err)

	require.NoError(t, c.FastForward(2))
	assert.EqualValues(t, 2, player.CurrentTick())
}

func TestFastForwardTurboUsesSeekToTick(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 1})
	require.NoError(t, err)
	c.Speed = 2.0

	require.NoError(t, c.FastForward(2))
	assert.EqualValues(t, 4, player.CurrentTick())
}

func TestStepBackwardAtTickZeroErrors(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{})
	require.NoError(t, err)

	err = c.StepBackward()
	assert.Error(t, err)
}

func TestStepBackwardMovesToPriorTick(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 100})
	require.NoError(t, err)
	require.NoError(t, c.SeekToTick(4))

	require.NoError(t, c.StepBackward())
	assert.EqualValues(t, 3, player.CurrentTick())
}

func TestStepForwardAppliesSingleNextFrame(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 100})
	require.NoError(t, err)

	require.NoError(t, c.StepForward())
	assert.EqualValues(t, 1, player.CurrentTick())
	require.NoError(t, c.StepForward())
	assert.EqualValues(t, 2, player.CurrentTick())
}

func TestPlayToEndAppliesAllRemainingFrames(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)
	player := newPlayer(t)

	c, err := Open(r, player, Config{TurboThreshold: 100})
	require.NoError(t, err)

	require.NoError(t, c.PlayToEnd())
	assert.EqualValues(t, 5, player.CurrentTick())
}

func TestTotalFramesCountsEveryFrame(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)

	c, err := Open(r, newPlayer(t), Config{})
	require.NoError(t, err)

	assert.Equal(t, 5, c.TotalFrames())
}

func TestKeyframeTicksReturnsAscendingKeyframeTicks(t *testing.T) {
	data := buildStream(t, testFrames())
	r := bytes.NewReader(data)

	c, err := Open(r, newPlayer(t), Config{})
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 4}, c.KeyframeTicks())
}

func TestOpenRejectsMismatchedSchemaFingerprint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, snapshot.WriteWorldHeader(&buf, snapshot.WorldHeader{
		FormatVersion:     snapshot.CurrentFormatVersion,
		SchemaFingerprint: 0xDEADBEEF,
	}))
	require.NoError(t, snapshot.WriteFrame(&buf, snapshot.Frame{Tick: 1, Kind: snapshot.FrameKeyframe}))

	_, err := Open(bytes.NewReader(buf.Bytes()), newPlayer(t), Config{})
	assert.Error(t, err)
}
