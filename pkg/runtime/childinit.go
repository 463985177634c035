package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cuemby/quilt/pkg/types"
)

// InitArg is the argv[0] sentinel cmd/quiltd looks for to decide it was
// re-exec'd as a container init rather than started as the daemon. Every
// container goes through this role, whether or not it was given an
// explicit command — see RunInit's handling of an empty Command.
const InitArg = "quilt-init"

// configFD and syncFD are the well-known file descriptor numbers Create
// wires up via Cmd.ExtraFiles (fd 3 and 4; 0-2 are the container's stdio).
const (
	configFD = 3
	syncFD   = 4
)

// initConfig is what Create sends the child over the config pipe. It is
// the on-the-wire twin of types.ContainerSpec, trimmed to what the child
// actually needs to assemble the mount tree and exec.
type initConfig struct {
	ID         string
	RootfsPath string
	Command    []string
	Env        []string
	WorkingDir string
	Hostname   string
	Mounts     []types.Mount
}

// RunInit is the entire body of the re-exec'd child process: every
// container, async or not, goes through the same rootfs/namespace/pivot
// sequence here. On success it never returns: a container given an
// explicit command replaces its process image via syscall.Exec, and one
// created without a command parks on parkUntilSignal instead — both reach
// that point only after the full isolation setup above has run. Any
// returned error means setup failed before either of those and the caller
// (main) should exit non-zero.
func RunInit() error {
	cfg, err := readInitConfig()
	if err != nil {
		return fmt.Errorf("quilt-init: read config: %w", err)
	}

	if err := waitForRelease(); err != nil {
		return fmt.Errorf("quilt-init: wait for release: %w", err)
	}

	if cfg.Hostname != "" {
		if err := syscall.Sethostname([]byte(cfg.Hostname)); err != nil {
			return fmt.Errorf("quilt-init: sethostname: %w", err)
		}
	}

	if err := pivotToRootfs(cfg.RootfsPath); err != nil {
		return fmt.Errorf("quilt-init: pivot_root: %w", err)
	}

	if err := mountDefaults(); err != nil {
		return fmt.Errorf("quilt-init: mount defaults: %w", err)
	}

	if err := applyMounts(cfg.Mounts); err != nil {
		return fmt.Errorf("quilt-init: apply mounts: %w", err)
	}

	closeInheritedFDs()

	if cfg.WorkingDir != "" {
		if err := syscall.Chdir(cfg.WorkingDir); err != nil {
			return fmt.Errorf("quilt-init: chdir: %w", err)
		}
	}

	argv := cfg.Command
	if len(argv) == 0 {
		// No explicit command: this is the built-in async sentinel case.
		// Isolation is already fully set up above; just park until the
		// container is stopped or killed like any other container's init.
		parkUntilSignal()
		return nil
	}
	path := argv[0]
	if !filepath.IsAbs(path) {
		path = "/" + path
	}
	return syscall.Exec(path, argv, cfg.Env)
}

func readInitConfig() (*initConfig, error) {
	f := os.NewFile(uintptr(configFD), "config")
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var cfg initConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// waitForRelease blocks until Handle.Release closes its end of the sync
// pipe. A successful read and an EOF are both a release signal — the
// parent never actually writes a byte, it just closes the descriptor.
func waitForRelease() error {
	f := os.NewFile(uintptr(syncFD), "sync")
	defer f.Close()

	buf := make([]byte, 1)
	_, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// pivotToRootfs makes rootfs the process's new / via the standard
// bind-mount-then-pivot_root dance: the new root must itself be a mount
// point, so it is bind-mounted onto itself first.
func pivotToRootfs(rootfs string) error {
	if err := syscall.Mount(rootfs, rootfs, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount rootfs onto itself: %w", err)
	}

	oldRoot := filepath.Join(rootfs, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("create old root mountpoint: %w", err)
	}

	if err := syscall.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}

	if err := syscall.Unmount("/.old_root", syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	return os.RemoveAll("/.old_root")
}

// mountDefaults populates the handful of pseudo-filesystems a container
// needs to look like a normal Linux system: /proc, /dev, /dev/pts, /sys.
func mountDefaults() error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
		data                   string
	}{
		{"proc", "/proc", "proc", syscall.MS_NOEXEC | syscall.MS_NOSUID | syscall.MS_NODEV, ""},
		{"tmpfs", "/dev", "tmpfs", syscall.MS_NOSUID | syscall.MS_STRICTATIME, "mode=755"},
		{"sysfs", "/sys", "sysfs", syscall.MS_NOEXEC | syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_RDONLY, ""},
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", m.target, err)
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			return fmt.Errorf("mount %s: %w", m.target, err)
		}
	}

	ptsDir := "/dev/pts"
	if err := os.MkdirAll(ptsDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", ptsDir, err)
	}
	if err := syscall.Mount("devpts", ptsDir, "devpts", syscall.MS_NOEXEC|syscall.MS_NOSUID, "newinstance,ptmxmode=0666,mode=620"); err != nil {
		return fmt.Errorf("mount devpts: %w", err)
	}
	return nil
}

// applyMounts layers the spec's requested bind/tmpfs/volume mounts over the
// now-pivoted rootfs. Validation already happened in the parent; the child
// trusts the config it was handed.
func applyMounts(mounts []types.Mount) error {
	for _, m := range mounts {
		target := m.Target
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir mount target %s: %w", target, err)
		}

		switch m.Kind {
		case types.MountBind, types.MountVolume:
			if err := syscall.Mount(m.Source, target, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
				return fmt.Errorf("bind mount %s: %w", target, err)
			}
			if m.ReadOnly {
				if err := syscall.Mount("", target, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
					return fmt.Errorf("remount %s read-only: %w", target, err)
				}
			}
		case types.MountTmpfs:
			data := ""
			if m.SizeMB > 0 {
				data = fmt.Sprintf("size=%dm", m.SizeMB)
			}
			if err := syscall.Mount("tmpfs", target, "tmpfs", syscall.MS_NOSUID|syscall.MS_NODEV, data); err != nil {
				return fmt.Errorf("mount tmpfs %s: %w", target, err)
			}
		}
	}
	return nil
}

// closeInheritedFDs closes the config and sync pipes (fds 3 and 4), the
// only descriptors above stderr that Create passes to the child, so the
// exec'd program never inherits them. No other descriptor is closed here.
func closeInheritedFDs() {
	_ = syscall.Close(configFD)
	_ = syscall.Close(syncFD)
}
