package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/quilt/pkg/types"
)

func TestFullCleanupTasksCoversNetworkStorageAndDNS(t *testing.T) {
	tasks := fullCleanupTasks("ctr-1")

	kinds := make(map[types.CleanupTaskKind]bool)
	for _, task := range tasks {
		kinds[task.Kind] = true
		assert.Equal(t, "ctr-1", task.ContainerID)
	}

	assert.True(t, kinds[types.TaskRemoveVeth])
	assert.True(t, kinds[types.TaskRemoveCgroup])
	assert.True(t, kinds[types.TaskRemoveRootfs])
	assert.True(t, kinds[types.TaskDeregisterDNS])

	// release_ip is deliberately not enqueued up front: it only exists
	// once remove_veth's own handler enqueues it after confirming the
	// veth is gone (cleanup.Service.removeVeth), so a released IP can
	// never be reused while a stale ARP entry might still be live.
	assert.False(t, kinds[types.TaskReleaseIP])
}

func TestDNSDeregisterTaskUsesContainerIDAsName(t *testing.T) {
	task := dnsDeregisterTask("ctr-1")
	assert.Equal(t, types.TaskDeregisterDNS, task.Kind)
	assert.Contains(t, task.Payload, "ctr-1")
}
