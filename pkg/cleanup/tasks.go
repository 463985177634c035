package cleanup

import (
	"encoding/json"

	"github.com/cuemby/quilt/pkg/types"
)

// Payload shapes, one per types.CleanupTaskKind. Engine callers build a
// *types.CleanupTask by marshaling one of these into its Payload field.

type RemoveVethPayload struct {
	ContainerID string
}

type ReleaseIPPayload struct {
	ContainerID string
}

type RemoveCgroupPayload struct {
	ContainerID string
}

type UmountTreePayload struct {
	Path string
}

type RemoveRootfsPayload struct {
	ContainerID string
}

type RemoveIptablesRulePayload struct {
	Table string
	Chain string
	Rule  []string
}

type DeregisterDNSPayload struct {
	ContainerID string
	Name        string
}

// NewTask builds a *types.CleanupTask for containerID with payload
// marshaled to JSON. Callers (the engine) use this instead of constructing
// types.CleanupTask by hand so the payload encoding lives in one place.
func NewTask(containerID string, kind types.CleanupTaskKind, payload any) (*types.CleanupTask, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &types.CleanupTask{
		ContainerID: containerID,
		Kind:        kind,
		Payload:     string(data),
	}, nil
}
