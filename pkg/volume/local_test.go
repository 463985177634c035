package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/quilt/pkg/types"
)

func TestNewLocalDriver(t *testing.T) {
	tmpDir := t.TempDir()

	driver, err := NewLocalDriver(tmpDir)
	if err != nil {
		t.Fatalf("NewLocalDriver() error = %v", err)
	}
	if driver.basePath != tmpDir {
		t.Errorf("basePath = %v, want %v", driver.basePath, tmpDir)
	}
	if _, err := os.Stat(tmpDir); os.IsNotExist(err) {
		t.Error("base directory was not created")
	}
}

func TestNewLocalDriverDefaultPath(t *testing.T) {
	driver, err := NewLocalDriver("")
	if err != nil {
		t.Skipf("cannot create default volumes path in this environment: %v", err)
	}
	if driver.basePath != DefaultVolumesPath {
		t.Errorf("basePath = %v, want %v", driver.basePath, DefaultVolumesPath)
	}
}

func TestLocalDriverCreate(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	v := &types.Volume{Name: "test", Driver: "local"}
	if err := driver.Create(v); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := filepath.Join(tmpDir, "test")
	if v.MountPath != want {
		t.Errorf("MountPath = %v, want %v", v.MountPath, want)
	}
	if _, err := os.Stat(want); os.IsNotExist(err) {
		t.Error("volume directory was not created")
	}
}

func TestLocalDriverDeleteRemovesContents(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	v := &types.Volume{Name: "test"}
	if err := driver.Create(v); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(v.MountPath, "data.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	if err := driver.Delete(v); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(v.MountPath); !os.IsNotExist(err) {
		t.Error("volume directory still exists after Delete")
	}
}

func TestLocalDriverDeleteMissingIsNotError(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	v := &types.Volume{Name: "never-created"}
	if err := driver.Delete(v); err != nil {
		t.Errorf("Delete() on missing volume should be a no-op, got error = %v", err)
	}
}

func TestLocalDriverPathIsStableAcrossCalls(t *testing.T) {
	tmpDir := t.TempDir()
	driver, _ := NewLocalDriver(tmpDir)

	v := &types.Volume{Name: "stable"}
	first := driver.Path(v)
	second := driver.Path(v)
	if first != second {
		t.Errorf("Path() not stable: %v != %v", first, second)
	}
}
