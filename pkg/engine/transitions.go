package engine

import (
	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

// forwardTransitions is the state machine's non-removal edges. Remove is
// handled separately by validateRemove since its guard (force or terminal)
// doesn't fit a plain from->to set membership check.
var forwardTransitions = map[types.ContainerState][]types.ContainerState{
	types.StateCreated:  {types.StateStarting},
	types.StateStarting: {types.StateRunning, types.StateFailed},
	types.StateRunning:  {types.StateExited, types.StateFailed},
	types.StateExited:   {types.StateStarting},
	types.StateRemoving: {types.StateRemoved},
}

// validateTransition checks a proposed from->to edge against the state
// machine before the caller attempts the CAS write against Store. Store
// re-checks the same compare-and-swap at commit time (the authoritative
// check, since a racing transition can land between this call and the
// write); this is the cheap pre-check that turns a foregone-conclusion
// failure into a clear error without a round trip to SQLite.
func validateTransition(from, to types.ContainerState) error {
	for _, allowed := range forwardTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return quilterr.New(quilterr.IllegalTransition, "engine.validateTransition",
		string(from)+" -> "+string(to)+" is not a valid transition")
}

// validateRemove checks the Remove guard: any non-REMOVING, non-REMOVED
// state may move to REMOVING if force is set or the container has already
// reached a terminal state (EXITED, FAILED).
func validateRemove(from types.ContainerState, force bool) error {
	if from == types.StateRemoving || from == types.StateRemoved {
		return quilterr.New(quilterr.IllegalTransition, "engine.validateRemove",
			string(from)+" is already being removed")
	}
	if force || from == types.StateExited || from == types.StateFailed {
		return nil
	}
	return quilterr.New(quilterr.IllegalTransition, "engine.validateRemove",
		string(from)+" must be stopped or force-removed")
}
