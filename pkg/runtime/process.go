package runtime

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"syscall"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/types"
)

// Runtime assembles the isolation (rootfs, cgroup, namespaces) for
// containers rooted under containersDir.
type Runtime struct {
	containersDir string
}

// New returns a Runtime that assembles rootfs trees under
// containersDir/<id>/rootfs, matching /var/lib/quilt/containers/<id>/rootfs
// in a production deployment.
func New(containersDir string) *Runtime {
	return &Runtime{containersDir: containersDir}
}

// Handle is the live child process Create produced. The child is cloned
// and held at a gate; callers must call Release once the container's row
// is durably in the STARTING→RUNNING transition, or the child will sit
// blocked forever.
type Handle struct {
	PID     int
	cgroup  *Cgroup
	rootfs  string
	syncW   *os.File
	cmd     *exec.Cmd
}

// Release lets the held child proceed past its sync-pipe gate into exec.
// Idempotent: closing an already-closed file is a no-op error this method
// swallows, since Release may be called once by the normal path and once
// by a failure-handling rollback.
func (h *Handle) Release() error {
	if h.syncW == nil {
		return nil
	}
	err := h.syncW.Close()
	h.syncW = nil
	if err != nil && !os.IsNotExist(err) {
		return quilterr.Wrap(quilterr.IoError, "runtime.Handle.Release", "close sync pipe", err)
	}
	return nil
}

// Kill sends sig to the container's init process.
func (h *Handle) Kill(sig syscall.Signal) error {
	return Signal(h.PID, sig)
}

// Signal sends sig to pid directly. It exists for callers (the engine)
// that track a container by PID after its Handle has gone out of scope —
// Stop and Kill only have a PID to work with, not the original Handle.
// A missing process is not an error: the reaper may have already reaped it
// by the time the signal lands.
func Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return quilterr.Wrap(quilterr.IoError, "runtime.Signal", "signal process", err)
	}
	return nil
}

// cloneFlags maps the spec's per-namespace toggles onto clone(2) flags.
// The mount namespace is always included regardless of
// EnableMountNamespace: pivot_root would otherwise repoint the host's root,
// which no container spec should be able to request.
func cloneFlags(spec *types.ContainerSpec) uintptr {
	flags := uintptr(syscall.CLONE_NEWNS)
	if spec.EnablePIDNamespace {
		flags |= syscall.CLONE_NEWPID
	}
	if spec.EnableUTSNamespace {
		flags |= syscall.CLONE_NEWUTS
	}
	if spec.EnableIPCNamespace {
		flags |= syscall.CLONE_NEWIPC
	}
	if spec.EnableNetworkNamespace {
		flags |= syscall.CLONE_NEWNET
	}
	return flags
}

// Create assembles rootfs + cgroup + namespaces for a container and clones
// its init process. The returned Handle's process is alive but gated: it
// will not exec the user command until Release is called. On any failure
// partway through, everything already created for this attempt is torn
// down before Create returns.
func (r *Runtime) Create(ctx context.Context, id string, spec *types.ContainerSpec) (*Handle, error) {
	if err := validateMounts(spec.Mounts); err != nil {
		return nil, err
	}

	rootfs := rootfsPath(r.containersDir, id)
	if err := assembleRootfs(ctx, spec.RootfsPath, rootfs); err != nil {
		return nil, err
	}

	stdout, stderr, err := openLogFiles(r.containersDir, id)
	if err != nil {
		_ = os.RemoveAll(rootfs)
		return nil, err
	}

	cg, err := newCgroup(id, spec.MemoryLimitMB, spec.CPULimitPct)
	if err != nil {
		_ = os.RemoveAll(rootfs)
		return nil, err
	}

	// An empty Command means the container was created without one; the
	// child itself (RunInit) substitutes the built-in sentinel once it has
	// finished the same rootfs/namespace isolation every other container
	// gets, rather than this layer picking a different binary role for it.
	cfg := initConfig{
		ID:         id,
		RootfsPath: rootfs,
		Command:    spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Hostname:   id,
		Mounts:     spec.Mounts,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.Internal, "runtime.Create", "marshal init config", err)
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.IoError, "runtime.Create", "open config pipe", err)
	}
	syncR, syncW, err := os.Pipe()
	if err != nil {
		configR.Close()
		configW.Close()
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.IoError, "runtime.Create", "open sync pipe", err)
	}

	self, err := os.Executable()
	if err != nil {
		configR.Close()
		configW.Close()
		syncR.Close()
		syncW.Close()
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.Internal, "runtime.Create", "resolve self executable", err)
	}

	cmd := &exec.Cmd{
		Path:       self,
		Args:       []string{InitArg},
		ExtraFiles: []*os.File{configR, syncR},
		Stdout:     stdout,
		Stderr:     stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: cloneFlags(spec),
			Pdeathsig:  syscall.SIGKILL,
		},
	}

	if err := cmd.Start(); err != nil {
		configR.Close()
		configW.Close()
		syncR.Close()
		syncW.Close()
		stdout.Close()
		stderr.Close()
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.IoError, "runtime.Create", "clone init process", err)
	}
	stdout.Close()
	stderr.Close()

	configR.Close()
	syncR.Close()

	if _, err := configW.Write(payload); err != nil {
		_ = cmd.Process.Kill()
		configW.Close()
		syncW.Close()
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, quilterr.Wrap(quilterr.IoError, "runtime.Create", "send init config", err)
	}
	configW.Close()

	if err := cg.addProcess(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		syncW.Close()
		_ = cg.remove()
		_ = os.RemoveAll(rootfs)
		return nil, err
	}

	log.WithComponent("runtime").Info().
		Str("container_id", id).
		Int("pid", cmd.Process.Pid).
		Msg("init process cloned")

	return &Handle{
		PID:    cmd.Process.Pid,
		cgroup: cg,
		rootfs: rootfs,
		syncW:  syncW,
		cmd:    cmd,
	}, nil
}

// RemoveRootfs deletes a container's assembled rootfs tree. Idempotent.
func RemoveRootfs(containersDir, id string) error {
	if err := os.RemoveAll(rootfsPath(containersDir, id)); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.RemoveRootfs", "remove rootfs tree", err)
	}
	return nil
}

// RemoveCgroup deletes a container's cgroup v2 slice by path, for the
// cleanup service replaying a remove_cgroup task with no live *Handle.
func RemoveCgroup(id string) error {
	return removeCgroupPath(cgroupSlice(id))
}
