package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRunningContainer(t *testing.T, store storage.Store, id, name string, ip net.IP) {
	t.Helper()
	ctx := context.Background()

	c := &types.Container{
		ID:        id,
		Name:      name,
		State:     types.StateCreated,
		Spec:      &types.ContainerSpec{RootfsPath: "/var/lib/quilt/rootfs/" + id},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateContainer(ctx, c))
	require.NoError(t, store.SetState(ctx, id, types.StateCreated, types.StateStarting, types.StatePatch{}))

	pid := 4242
	require.NoError(t, store.SetState(ctx, id, types.StateStarting, types.StateRunning, types.StatePatch{
		PID: &pid,
		IP:  ip,
	}))
}

func TestRebuildFromStoreLoadsRunningContainers(t *testing.T) {
	store := newTestStore(t)
	createRunningContainer(t, store, "11111111-1111-1111-1111-111111111111", "web", net.IPv4(10, 42, 0, 5))
	createRunningContainer(t, store, "22222222-2222-2222-2222-222222222222", "", net.IPv4(10, 42, 0, 6))

	r := NewResolver(store, "quilt.local", nil)
	require.NoError(t, r.Rebuild(context.Background()))

	_, err := r.Resolve("web.quilt.local.")
	require.NoError(t, err)

	_, err = r.Resolve("11111111-1111-1111-1111-111111111111.quilt.local.")
	require.NoError(t, err)

	// Unnamed container only gets an id record.
	_, err = r.Resolve("22222222-2222-2222-2222-222222222222.quilt.local.")
	require.NoError(t, err)
}

func TestRebuildFromStoreSkipsNonRunningContainers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &types.Container{
		ID:        "33333333-3333-3333-3333-333333333333",
		Name:      "stopped",
		State:     types.StateCreated,
		Spec:      &types.ContainerSpec{RootfsPath: "/var/lib/quilt/rootfs/x"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateContainer(ctx, c))

	r := NewResolver(store, "quilt.local", nil)
	require.NoError(t, r.Rebuild(ctx))

	_, err := r.Resolve("stopped.quilt.local.")
	require.ErrorIs(t, err, ErrNXDomain)
}
