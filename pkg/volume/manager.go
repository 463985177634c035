package volume

import (
	"context"
	"time"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

// Store is the slice of storage.Store Manager needs. Narrowed the same
// way pkg/cleanup narrows its own Store dependency, so tests can satisfy
// it with a small fake instead of the full storage.Store surface.
type Store interface {
	CreateVolume(ctx context.Context, v *types.Volume) error
	GetVolume(ctx context.Context, name string) (*types.Volume, error)
	ListVolumes(ctx context.Context) ([]*types.Volume, error)
	DeleteVolume(ctx context.Context, name string) error
}

// Manager ties a Driver to Store, so a volume name resolves to the same
// host directory for the life of the daemon's data directory.
type Manager struct {
	store  Store
	driver Driver
}

// NewManager builds a Manager backed by a LocalDriver rooted at basePath
// ("" uses DefaultVolumesPath).
func NewManager(store Store, basePath string) (*Manager, error) {
	driver, err := NewLocalDriver(basePath)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, driver: driver}, nil
}

// Ensure returns the volume's host path, creating the volume (directory +
// Store row) on first reference. Safe to call for every "volume"-kind
// mount on every start: an existing volume is returned unchanged.
func (m *Manager) Ensure(ctx context.Context, name string) (*types.Volume, error) {
	v, err := m.store.GetVolume(ctx, name)
	if err == nil {
		return v, nil
	}
	if quilterr.KindOf(err) != quilterr.NotFound {
		return nil, err
	}

	v = &types.Volume{Name: name, Driver: "local", CreatedAt: time.Now()}
	if err := m.driver.Create(v); err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "volume.Ensure", "create volume directory", err)
	}
	if err := m.store.CreateVolume(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Delete removes a volume's directory and its Store row.
func (m *Manager) Delete(ctx context.Context, name string) error {
	v, err := m.store.GetVolume(ctx, name)
	if err != nil {
		return err
	}
	if err := m.driver.Delete(v); err != nil {
		return quilterr.Wrap(quilterr.IoError, "volume.Delete", "remove volume directory", err)
	}
	return m.store.DeleteVolume(ctx, name)
}

// List returns every known volume.
func (m *Manager) List(ctx context.Context) ([]*types.Volume, error) {
	return m.store.ListVolumes(ctx)
}

// ResolveMounts rewrites each "volume"-kind mount's Source in place from a
// volume name to its host directory, creating the volume if this is the
// first reference. Bind/tmpfs mounts pass through unchanged.
func (m *Manager) ResolveMounts(ctx context.Context, mounts []types.Mount) error {
	for i := range mounts {
		if mounts[i].Kind != types.MountVolume {
			continue
		}
		v, err := m.Ensure(ctx, mounts[i].Source)
		if err != nil {
			return err
		}
		mounts[i].Source = v.MountPath
	}
	return nil
}
