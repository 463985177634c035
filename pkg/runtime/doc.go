/*
Package runtime assembles the Linux-level isolation for one container:
rootfs, cgroup v2 slice, and namespaces, then hands the resulting process's
PID back to the caller.

# Lifecycle

Create does four things, in order: unpack the rootfs, create the cgroup,
clone an init process with the requested namespace flags, and hold that
process at a gate until the caller is ready for it to exec. Nothing here
watches the process afterward — Reaper does that, separately, so a slow
rootfs copy for one container never delays reaping another.

# The init shim

The cloned child is not a library call, it's a re-exec of the daemon binary
under argv[0] "quilt-init" (see RunInit, invoked from cmd/quiltd). Running
setup code in the child rather than the parent is required here: pivot_root,
namespace-scoped mounts, and the final exec all need to happen inside the
new namespaces, which only the child occupies.

The parent and child communicate over two anonymous pipes threaded through
Cmd.ExtraFiles: a config pipe carrying the JSON-encoded container spec, and
a sync pipe the child blocks on (via Read, which unblocks on EOF) until the
caller calls Handle.Release. A container created with no explicit command
still runs this whole sequence; RunInit parks on a signal wait afterward
instead of exec'ing a user program.

# Cgroups

Resource limits are applied through github.com/containerd/cgroups/v3/cgroup2
rather than hand-written cgroupfs writes, matching how the rest of the
ecosystem touches cgroup v2.
*/
package runtime
