package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/quilt/pkg/types"
)

// DefaultVolumesPath is the base directory for named volumes.
const DefaultVolumesPath = "/var/lib/quilt/volumes"

// Driver creates and removes the on-disk directory backing a volume.
// Quilt only ships LocalDriver, but the interface is kept separate from
// Manager so a future driver doesn't have to touch Store wiring.
type Driver interface {
	Create(v *types.Volume) error
	Delete(v *types.Volume) error
	Path(v *types.Volume) string
}

// LocalDriver backs every volume with a plain directory under basePath.
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates the driver, ensuring basePath exists.
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create volumes directory: %w", err)
	}
	return &LocalDriver{basePath: basePath}, nil
}

// Path returns the host directory for v, regardless of whether it exists.
func (d *LocalDriver) Path(v *types.Volume) string {
	return filepath.Join(d.basePath, v.Name)
}

// Create makes the volume's directory and records its resolved path on v.
func (d *LocalDriver) Create(v *types.Volume) error {
	path := d.Path(v)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}
	v.MountPath = path
	return nil
}

// Delete removes the volume's directory and everything in it. Deleting an
// already-missing directory is not an error.
func (d *LocalDriver) Delete(v *types.Volume) error {
	if err := os.RemoveAll(d.Path(v)); err != nil {
		return fmt.Errorf("delete volume directory: %w", err)
	}
	return nil
}
