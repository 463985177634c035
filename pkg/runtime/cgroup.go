package runtime

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3/cgroup2"

	"github.com/cuemby/quilt/internal/quilterr"
)

const cgroupPeriod uint64 = 100000 // 100ms, matches the teacher's CFS period choice

// Cgroup wraps one cgroup v2 slice created for a single container.
type Cgroup struct {
	path string
	mgr  *cgroup2.Manager
}

// cgroupSlice is the path segment (relative to the v2 mount) a container's
// slice lives under.
func cgroupSlice(id string) string {
	return "/quilt-" + id
}

// newCgroup creates (or replaces) the cgroup v2 slice for id and applies
// the memory and CPU limits from the spec. A zero limit means "no cap":
// cgroup2.Resources leaves the corresponding field nil rather than writing
// "max" explicitly, since both have the same effect.
func newCgroup(id string, memLimitMB int64, cpuPct int) (*Cgroup, error) {
	res := &cgroup2.Resources{}

	if memLimitMB > 0 {
		max := memLimitMB * 1024 * 1024
		res.Memory = &cgroup2.Memory{Max: &max}
	}
	if cpuPct > 0 {
		quota := int64(cpuPct) * int64(cgroupPeriod) / 100
		res.CPU = &cgroup2.CPU{Max: cgroup2.NewCPUMax(&quota, &cgroupPeriod)}
	}

	path := cgroupSlice(id)
	mgr, err := cgroup2.NewManager(cgroup2.DefaultMountpoint, path, res)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.IoError, "runtime.newCgroup", "create cgroup slice", err)
	}
	return &Cgroup{path: path, mgr: mgr}, nil
}

// addProcess moves pid into the slice. Must be called before the child
// execs its target program so the limits apply from the first instruction.
func (c *Cgroup) addProcess(pid int) error {
	if err := c.mgr.AddProc(uint64(pid)); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.Cgroup.addProcess", "add pid to cgroup", err)
	}
	return nil
}

// remove deletes the slice. Idempotent: a slice that is already gone (or
// was never created, e.g. Remove called twice from a failed Create's
// rollback and the cleanup queue) is not an error.
func (c *Cgroup) remove() error {
	if c.mgr == nil {
		return nil
	}
	if err := c.mgr.Delete(); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.Cgroup.remove", "delete cgroup slice", err)
	}
	return nil
}

// Usage is the point-in-time resource accounting the Metrics RPC reports
// per container.
type Usage struct {
	MemoryBytes uint64
	CPUUsageUs  uint64 // cumulative, from cpu.stat's usage_usec
}

// ResourceUsage reads a container's cgroup v2 accounting files directly.
// It's read-only cgroupfs access rather than a round trip through
// cgroup2.Manager, since Metrics needs to stay cheap enough to run for
// every container in a single RPC (spec's "bounded to O(containers) time").
func ResourceUsage(id string) (Usage, error) {
	dir := filepath.Join(cgroup2.DefaultMountpoint, cgroupSlice(id))

	var usage Usage
	if data, err := os.ReadFile(filepath.Join(dir, "memory.current")); err == nil {
		usage.MemoryBytes, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "cpu.stat")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "usage_usec" {
				usage.CPUUsageUs, _ = strconv.ParseUint(fields[1], 10, 64)
			}
		}
	}
	return usage, nil
}

// removeCgroupPath deletes a slice by path alone, for the cleanup service
// replaying a remove_cgroup task after a restart with no live *Cgroup.
func removeCgroupPath(path string) error {
	mgr, err := cgroup2.Load(path)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.removeCgroupPath", "load cgroup slice", err)
	}
	if err := mgr.Delete(); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.removeCgroupPath", "delete cgroup slice", err)
	}
	return nil
}
