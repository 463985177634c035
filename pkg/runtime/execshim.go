package runtime

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/quilt/internal/quilterr"
)

// ExecArg is the argv[0] the daemon re-execs itself under to run a command
// inside an already-running container's namespaces. Unlike InitArg, this
// path never clones a new process: it joins the target's existing
// namespaces via setns and execs in place.
const ExecArg = "quilt-exec"

// execNamespaces lists which /proc/<pid>/ns/<kind> files RunExec joins, in
// the order required for Setns to succeed on every kernel Quilt targets:
// user namespace first if present would normally lead, but Quilt never
// creates one, so pid before the rest is the only ordering constraint
// (CLONE_NEWPID only affects children forked after the call, which exec
// here discards anyway — it's still joined for /proc visibility).
var execNamespaces = []string{"pid", "uts", "ipc", "net", "mnt"}

// RunExec is invoked from cmd/quiltd's main when os.Args[0] == ExecArg. It
// expects os.Args[1] to be the target container's init PID, os.Args[2] to
// be the working directory to chdir into once namespaces are joined (an
// empty string means "/"), and the remaining arguments to be the command
// to run.
// Stdin/stdout/stderr are inherited from the parent process that built
// this exec.Cmd, so no plumbing happens here beyond namespace entry. The
// working directory can't be set via exec.Cmd.Dir in the caller: that
// chdir happens before this process joins the container's mount
// namespace, so it would resolve against the daemon's filesystem view
// instead of the container's.
func RunExec() error {
	if len(os.Args) < 4 {
		return quilterr.New(quilterr.InvalidArgument, "runtime.RunExec", "usage: quilt-exec <pid> <workdir> <cmd> [args...]")
	}
	pid, err := strconv.Atoi(os.Args[1])
	if err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "runtime.RunExec", "parse target pid", err)
	}
	workdir := os.Args[2]

	// Setns requires every call to land on the same OS thread, and this
	// goroutine never returns to the scheduler's pool once it has
	// partially joined namespaces.
	runtime.LockOSThread()

	for _, kind := range execNamespaces {
		if err := joinNamespace(pid, kind); err != nil {
			return err
		}
	}

	if workdir == "" {
		workdir = "/"
	}
	if err := unix.Chdir(workdir); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.RunExec", "chdir into "+workdir, err)
	}

	args := os.Args[3:]
	path, err := lookPath(args[0])
	if err != nil {
		return quilterr.Wrap(quilterr.NotFound, "runtime.RunExec", "resolve command", err)
	}
	if err := syscall.Exec(path, args, os.Environ()); err != nil {
		return quilterr.Wrap(quilterr.Internal, "runtime.RunExec", "exec target command", err)
	}
	return nil
}

func joinNamespace(pid int, kind string) error {
	path := fmt.Sprintf("/proc/%d/ns/%s", pid, kind)
	fd, err := os.Open(path)
	if err != nil {
		return quilterr.Wrap(quilterr.NotFound, "runtime.joinNamespace", "open "+path, err)
	}
	defer fd.Close()

	if err := unix.Setns(int(fd.Fd()), 0); err != nil {
		return quilterr.Wrap(quilterr.PermissionDenied, "runtime.joinNamespace", "setns "+kind, err)
	}
	return nil
}

// lookPath resolves cmd against the container's own PATH once its mount
// namespace has been joined, since the binary lives inside the container's
// rootfs view, not the daemon's.
func lookPath(cmd string) (string, error) {
	if len(cmd) > 0 && cmd[0] == '/' {
		return cmd, nil
	}
	for _, dir := range []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"} {
		candidate := dir + "/" + cmd
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", quilterr.New(quilterr.NotFound, "runtime.lookPath", "command not found in container PATH: "+cmd)
}
