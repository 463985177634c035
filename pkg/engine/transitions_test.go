package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

func TestValidateTransitionAllowsForwardEdges(t *testing.T) {
	cases := []struct{ from, to types.ContainerState }{
		{types.StateCreated, types.StateStarting},
		{types.StateStarting, types.StateRunning},
		{types.StateStarting, types.StateFailed},
		{types.StateRunning, types.StateExited},
		{types.StateExited, types.StateStarting},
		{types.StateRemoving, types.StateRemoved},
	}
	for _, c := range cases {
		assert.NoError(t, validateTransition(c.from, c.to))
	}
}

func TestValidateTransitionRejectsSkippedStates(t *testing.T) {
	err := validateTransition(types.StateCreated, types.StateRunning)
	assert.Error(t, err)
	assert.Equal(t, quilterr.IllegalTransition, quilterr.KindOf(err))
}

func TestValidateTransitionRejectsFromTerminalRemoved(t *testing.T) {
	assert.Error(t, validateTransition(types.StateRemoved, types.StateStarting))
}

func TestValidateRemoveAllowsTerminalStatesWithoutForce(t *testing.T) {
	assert.NoError(t, validateRemove(types.StateExited, false))
	assert.NoError(t, validateRemove(types.StateFailed, false))
}

func TestValidateRemoveRejectsRunningWithoutForce(t *testing.T) {
	err := validateRemove(types.StateRunning, false)
	assert.Error(t, err)
}

func TestValidateRemoveAllowsRunningWithForce(t *testing.T) {
	assert.NoError(t, validateRemove(types.StateRunning, true))
}

func TestValidateRemoveRejectsAlreadyRemoving(t *testing.T) {
	assert.Error(t, validateRemove(types.StateRemoving, true))
	assert.Error(t, validateRemove(types.StateRemoved, true))
}
