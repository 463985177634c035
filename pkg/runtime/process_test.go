package runtime

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/quilt/pkg/types"
)

func TestCloneFlagsAlwaysIncludesMountNamespace(t *testing.T) {
	flags := cloneFlags(&types.ContainerSpec{})
	assert.NotZero(t, flags&syscall.CLONE_NEWNS)
}

func TestCloneFlagsHonorsRequestedNamespaces(t *testing.T) {
	spec := &types.ContainerSpec{
		EnablePIDNamespace:     true,
		EnableUTSNamespace:     true,
		EnableIPCNamespace:     true,
		EnableNetworkNamespace: true,
	}
	flags := cloneFlags(spec)

	assert.NotZero(t, flags&syscall.CLONE_NEWPID)
	assert.NotZero(t, flags&syscall.CLONE_NEWUTS)
	assert.NotZero(t, flags&syscall.CLONE_NEWIPC)
	assert.NotZero(t, flags&syscall.CLONE_NEWNET)
}

func TestCloneFlagsOmitsUnrequestedNamespaces(t *testing.T) {
	flags := cloneFlags(&types.ContainerSpec{})
	assert.Zero(t, flags&syscall.CLONE_NEWPID)
	assert.Zero(t, flags&syscall.CLONE_NEWNET)
}

func TestRootfsPathLayout(t *testing.T) {
	got := rootfsPath("/var/lib/quilt/containers", "abc123")
	assert.Equal(t, "/var/lib/quilt/containers/abc123/rootfs", got)
}

func TestCgroupSliceNaming(t *testing.T) {
	assert.Equal(t, "/quilt-abc123", cgroupSlice("abc123"))
}
