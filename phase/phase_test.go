package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigStartsAtInitWithReadWriteAll(t *testing.T) {
	m, err := NewMachine(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, PhaseInit, m.CurrentName())
	assert.True(t, m.CanWrite(true))
	assert.True(t, m.CanWrite(false))
}

func TestDefaultConfigTransitionGraph(t *testing.T) {
	m, err := NewMachine(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, m.SetPhase(PhaseNetworkReceive))
	assert.Equal(t, PhaseNetworkReceive, m.CurrentName())
	assert.False(t, m.CanWrite(true))
	assert.True(t, m.CanWrite(false))

	require.NoError(t, m.SetPhase(PhaseSimulation))
	assert.True(t, m.CanWrite(true))
	assert.False(t, m.CanWrite(false))

	require.NoError(t, m.SetPhase(PhaseNetworkSend))
	assert.False(t, m.CanWrite(true))
	assert.False(t, m.CanWrite(false))

	require.NoError(t, m.SetPhase(PhasePresentation))
	require.NoError(t, m.SetPhase(PhaseNetworkReceive)) // loops back
	assert.Equal(t, PhaseNetworkReceive, m.CurrentName())
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, err := NewMachine(DefaultConfig())
	require.NoError(t, err)
	err = m.SetPhase(PhaseSimulation) // Init can't jump straight to Simulation
	assert.Error(t, err)
	assert.Equal(t, PhaseInit, m.CurrentName())
}

func TestUnknownPhaseNameRejected(t *testing.T) {
	m, err := NewMachine(DefaultConfig())
	require.NoError(t, err)
	err = m.SetPhase("Nonexistent")
	assert.Error(t, err)
}

func TestRelaxedConfigAllowsAnyTransitionAndWrite(t *testing.T) {
	m, err := NewMachine(RelaxedConfig())
	require.NoError(t, err)
	require.NoError(t, m.SetPhase(PhaseSimulation))
	require.NoError(t, m.SetPhase(PhaseInit))
	assert.True(t, m.CanWrite(true))
	assert.True(t, m.CanWrite(false))
}

func TestNewMachineRejectsUnbuiltConfig(t *testing.T) {
	_, err := NewMachine(&Config{})
	assert.Error(t, err)
}

func TestSetConfigEntersFirstPhase(t *testing.T) {
	m, err := NewMachine(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.SetPhase(PhaseNetworkReceive))

	require.NoError(t, m.SetConfig(RelaxedConfig()))
	assert.Equal(t, PhaseInit, m.CurrentName())
}

func TestPermissionString(t *testing.T) {
	assert.Equal(t, "ReadOnly", ReadOnly.String())
	assert.Equal(t, "ReadWriteAll", ReadWriteAll.String())
	assert.Equal(t, "OwnedOnly", OwnedOnly.String())
	assert.Equal(t, "UnownedOnly", UnownedOnly.String())
	assert.Equal(t, "Unknown", Permission(99).String())
}
