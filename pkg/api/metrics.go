package api

import (
	"context"

	"github.com/cuemby/quilt/pkg/fabric"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/types"
)

// ContainerMetrics is one container's point-in-time resource snapshot.
type ContainerMetrics struct {
	ContainerID string
	MemoryBytes uint64
	CPUUsageUs  uint64
	RxBytes     uint64
	TxBytes     uint64
}

// SystemTotals summarizes daemon-wide counts alongside per-container
// metrics, when requested.
type SystemTotals struct {
	ContainersTotal   int
	ContainersRunning int
}

// MetricsResponse is Metrics' result: per-container snapshots (one, or
// every running container, depending on the request) plus optional
// system totals.
type MetricsResponse struct {
	Containers []ContainerMetrics
	System     *SystemTotals
}

// Metrics reports resource usage. container selects a single id/name;
// empty reports every RUNNING container. Reading cgroupfs/sysfs directly
// per container keeps this bounded to O(containers) time rather than
// scraping a metrics exporter per container.
func (s *Server) Metrics(ctx context.Context, container string, includeSystem bool) (*MetricsResponse, error) {
	var targets []*types.Container
	if container != "" {
		c, err := s.engine.Status(ctx, container)
		if err != nil {
			return nil, err
		}
		targets = []*types.Container{c}
	} else {
		all, err := s.engine.List(ctx, types.ListFilter{States: []types.ContainerState{types.StateRunning}})
		if err != nil {
			return nil, err
		}
		targets = all
	}

	resp := &MetricsResponse{}
	for _, c := range targets {
		if c.State != types.StateRunning {
			continue
		}
		usage, _ := runtime.ResourceUsage(c.ID)
		net := fabric.NetworkUsage(c.ID)
		resp.Containers = append(resp.Containers, ContainerMetrics{
			ContainerID: c.ID,
			MemoryBytes: usage.MemoryBytes,
			CPUUsageUs:  usage.CPUUsageUs,
			RxBytes:     net.RxBytes,
			TxBytes:     net.TxBytes,
		})
	}

	if includeSystem {
		info, err := s.engine.SystemInfo(ctx)
		if err != nil {
			return nil, err
		}
		resp.System = &SystemTotals{
			ContainersTotal:   info.ContainersTotal,
			ContainersRunning: info.ContainersRunning,
		}
	}

	return resp, nil
}
