package volume

import (
	"context"
	"testing"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

type fakeStore struct {
	volumes map[string]*types.Volume
}

func newFakeStore() *fakeStore {
	return &fakeStore{volumes: make(map[string]*types.Volume)}
}

func (f *fakeStore) CreateVolume(ctx context.Context, v *types.Volume) error {
	if _, ok := f.volumes[v.Name]; ok {
		return quilterr.New(quilterr.NameConflict, "fakeStore.CreateVolume", "exists")
	}
	f.volumes[v.Name] = v
	return nil
}

func (f *fakeStore) GetVolume(ctx context.Context, name string) (*types.Volume, error) {
	v, ok := f.volumes[name]
	if !ok {
		return nil, quilterr.New(quilterr.NotFound, "fakeStore.GetVolume", "not found")
	}
	return v, nil
}

func (f *fakeStore) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	var out []*types.Volume
	for _, v := range f.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeStore) DeleteVolume(ctx context.Context, name string) error {
	if _, ok := f.volumes[name]; !ok {
		return quilterr.New(quilterr.NotFound, "fakeStore.DeleteVolume", "not found")
	}
	delete(f.volumes, name)
	return nil
}

func TestManagerEnsureCreatesOnFirstReference(t *testing.T) {
	store := newFakeStore()
	m, err := NewManager(store, t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	v, err := m.Ensure(context.Background(), "data")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if v.MountPath == "" {
		t.Error("expected MountPath to be set")
	}
	if _, ok := store.volumes["data"]; !ok {
		t.Error("expected volume row to be persisted")
	}
}

func TestManagerEnsureIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m, _ := NewManager(store, t.TempDir())
	ctx := context.Background()

	first, err := m.Ensure(ctx, "data")
	if err != nil {
		t.Fatalf("first Ensure() error = %v", err)
	}
	second, err := m.Ensure(ctx, "data")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if first.MountPath != second.MountPath {
		t.Errorf("MountPath changed across calls: %v != %v", first.MountPath, second.MountPath)
	}
	if len(store.volumes) != 1 {
		t.Errorf("expected exactly one stored volume, got %d", len(store.volumes))
	}
}

func TestResolveMountsRewritesVolumeSourceOnly(t *testing.T) {
	store := newFakeStore()
	m, _ := NewManager(store, t.TempDir())

	mounts := []types.Mount{
		{Kind: types.MountBind, Source: "/host/path", Target: "/data"},
		{Kind: types.MountVolume, Source: "cache", Target: "/cache"},
	}
	if err := m.ResolveMounts(context.Background(), mounts); err != nil {
		t.Fatalf("ResolveMounts() error = %v", err)
	}

	if mounts[0].Source != "/host/path" {
		t.Errorf("bind mount source should be untouched, got %v", mounts[0].Source)
	}
	v := store.volumes["cache"]
	if v == nil {
		t.Fatal("expected volume 'cache' to be created")
	}
	if mounts[1].Source != v.MountPath {
		t.Errorf("volume mount source = %v, want %v", mounts[1].Source, v.MountPath)
	}
}

func TestManagerDeleteRemovesRowAndDirectory(t *testing.T) {
	store := newFakeStore()
	m, _ := NewManager(store, t.TempDir())
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "data"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := m.Delete(ctx, "data"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := store.volumes["data"]; ok {
		t.Error("expected volume row to be removed")
	}
}
