package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quilt/pkg/types"
)

type fakeStore struct {
	completed []string
	bumped    []string
	stuck     []string
	enqueued  []*types.CleanupTask
}

func (f *fakeStore) EnqueueCleanup(ctx context.Context, task *types.CleanupTask) error {
	f.enqueued = append(f.enqueued, task)
	return nil
}

func (f *fakeStore) ClaimCleanup(ctx context.Context, now time.Time, batch int) ([]*types.CleanupTask, error) {
	return nil, nil
}

func (f *fakeStore) CompleteCleanup(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) BumpRetry(ctx context.Context, id string, next time.Time, markStuck bool) error {
	f.bumped = append(f.bumped, id)
	if markStuck {
		f.stuck = append(f.stuck, id)
	}
	return nil
}

func TestNewTaskRoundTripsPayload(t *testing.T) {
	task, err := NewTask("ctr-1", types.TaskReleaseIP, ReleaseIPPayload{ContainerID: "ctr-1"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskReleaseIP, task.Kind)
	assert.Contains(t, task.Payload, "ctr-1")
}

func TestDispatchUnknownKindFails(t *testing.T) {
	s := &Service{cfg: Config{}}
	err := s.dispatch(&types.CleanupTask{ID: "t1", Kind: types.CleanupTaskKind("bogus")})
	assert.Error(t, err)
}

func TestDispatchNilSubsystemsAreNoops(t *testing.T) {
	s := &Service{cfg: Config{}}

	vethTask, err := NewTask("ctr-1", types.TaskRemoveVeth, RemoveVethPayload{ContainerID: "ctr-1"})
	require.NoError(t, err)
	assert.NoError(t, s.dispatch(vethTask))

	ipTask, err := NewTask("ctr-1", types.TaskReleaseIP, ReleaseIPPayload{ContainerID: "ctr-1"})
	require.NoError(t, err)
	assert.NoError(t, s.dispatch(ipTask))

	dnsTask, err := NewTask("ctr-1", types.TaskDeregisterDNS, DeregisterDNSPayload{ContainerID: "ctr-1", Name: "ctr-1"})
	require.NoError(t, err)
	assert.NoError(t, s.dispatch(dnsTask))
}

func TestUmountTreeEmptyPathIsNoop(t *testing.T) {
	s := &Service{cfg: Config{}}
	task, err := NewTask("ctr-1", types.TaskUmountTree, UmountTreePayload{Path: ""})
	require.NoError(t, err)
	assert.NoError(t, s.dispatch(task))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoff(0))
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 5*time.Minute, backoff(30))
}

func TestRemoveVethEnqueuesReleaseIPAfterTeardown(t *testing.T) {
	store := &fakeStore{}
	s := &Service{cfg: Config{Store: store}}

	task, err := NewTask("ctr-1", types.TaskRemoveVeth, RemoveVethPayload{ContainerID: "ctr-1"})
	require.NoError(t, err)
	require.NoError(t, s.dispatch(task))

	require.Len(t, store.enqueued, 1)
	assert.Equal(t, types.TaskReleaseIP, store.enqueued[0].Kind)
	assert.Contains(t, store.enqueued[0].Payload, "ctr-1")
}

func TestProcessMarksStuckPastMaxAttempts(t *testing.T) {
	store := &fakeStore{}
	s := &Service{cfg: Config{Store: store}}

	task := &types.CleanupTask{ID: "t1", Kind: types.CleanupTaskKind("bogus"), Attempts: maxAttempts - 1}
	s.process(context.Background(), zerolog.Nop(), task)

	assert.Contains(t, store.bumped, "t1")
	assert.Contains(t, store.stuck, "t1")
	assert.Empty(t, store.completed)
}
