package storage

import (
	"context"
	"net"
	"time"

	"github.com/cuemby/quilt/pkg/types"
)

// Store is Quilt's single source of truth for container state, network
// allocations, pending cleanup work, and lifecycle events. Every method is
// one SQL transaction (or a short, explicitly documented sequence of them);
// callers never need to wrap a call in their own transaction.
type Store interface {
	// Containers
	CreateContainer(ctx context.Context, c *types.Container) error
	Get(ctx context.Context, idOrName string) (*types.Container, error)
	List(ctx context.Context, filter types.ListFilter) ([]*types.Container, error)

	// SetState performs the compare-and-swap transition containers must
	// go through: it fails with quilterr.IllegalTransition unless the row's
	// current state equals from. patch fields are applied in the same
	// transaction as the state change.
	SetState(ctx context.Context, id string, from, to types.ContainerState, patch types.StatePatch) error

	// SetStateWithCleanup is SetState plus enqueuing the given cleanup
	// tasks, atomically, so a container can never reach REMOVING/REMOVED
	// without its teardown work already durable (invariant 5).
	SetStateWithCleanup(ctx context.Context, id string, from, to types.ContainerState, patch types.StatePatch, tasks []*types.CleanupTask) error

	DeleteContainer(ctx context.Context, id string) error

	// IPAM-backing
	ReserveIP(ctx context.Context, ip net.IP, containerID string) error
	ReleaseIP(ctx context.Context, ip net.IP) error
	ListAllocatedIPs(ctx context.Context) ([]types.IPAllocation, error)

	// Cleanup queue
	EnqueueCleanup(ctx context.Context, task *types.CleanupTask) error
	ClaimCleanup(ctx context.Context, now time.Time, batch int) ([]*types.CleanupTask, error)
	CompleteCleanup(ctx context.Context, id string) error
	BumpRetry(ctx context.Context, id string, next time.Time, markStuck bool) error
	HasOutstandingCleanup(ctx context.Context, containerID string) (bool, error)
	CountPendingCleanupTasks(ctx context.Context) (int, error)
	CountStuckCleanupTasks(ctx context.Context) (int, error)

	// Events (durable audit trail; the live fan-out happens in pkg/events)
	AppendEvent(ctx context.Context, e *types.Event) error
	ListEventsSince(ctx context.Context, containerID string, sinceSeq uint64) ([]*types.Event, error)

	// Volumes
	CreateVolume(ctx context.Context, v *types.Volume) error
	GetVolume(ctx context.Context, name string) (*types.Volume, error)
	ListVolumes(ctx context.Context) ([]*types.Volume, error)
	DeleteVolume(ctx context.Context, name string) error

	Close() error
}
