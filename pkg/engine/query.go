package engine

import (
	"context"
	"time"

	"github.com/cuemby/quilt/pkg/fabric"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/types"
)

// Status returns a container's current row. It always reads Store
// directly rather than an in-memory cache, so a Status call immediately
// following a successful Create/Start/Stop never observes stale state.
func (e *Engine) Status(ctx context.Context, idOrName string) (*types.Container, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StatusQueryDuration)
	return e.cfg.Store.Get(ctx, idOrName)
}

// List returns containers matching filter.
func (e *Engine) List(ctx context.Context, filter types.ListFilter) ([]*types.Container, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StatusQueryDuration)
	return e.cfg.Store.List(ctx, filter)
}

// SystemInfo aggregates daemon-wide health for the Health/SystemInfo RPCs.
// Checks here are direct liveness probes against in-process objects (the
// store connection, the IPAM pool, the bridge link) rather than network
// probes, so they're hand-rolled instead of routed through a generic
// HTTP/TCP/exec health-checker abstraction that has no network endpoint to
// point at.
func (e *Engine) SystemInfo(ctx context.Context) (*types.SystemInfo, error) {
	all, err := e.cfg.Store.List(ctx, types.ListFilter{})
	if err != nil {
		return nil, err
	}

	running := 0
	for _, c := range all {
		if c.State == types.StateRunning {
			running++
		}
	}

	checks := []types.Check{
		e.storeCheck(ctx),
		e.bridgeCheck(),
	}
	healthy := true
	for _, chk := range checks {
		healthy = healthy && chk.Healthy
	}

	return &types.SystemInfo{
		Healthy:           healthy,
		UptimeSeconds:     time.Since(e.startedAt).Seconds(),
		ContainersRunning: running,
		ContainersTotal:   len(all),
		IPPoolSize:        e.cfg.IPAM.Size(),
		IPPoolFree:        e.cfg.IPAM.Free(),
		BridgeName:        fabric.BridgeName,
		Checks:            checks,
	}, nil
}

func (e *Engine) storeCheck(ctx context.Context) types.Check {
	start := time.Now()
	_, err := e.cfg.Store.List(ctx, types.ListFilter{})
	chk := types.Check{Name: "store", DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		chk.Message = err.Error()
	} else {
		chk.Healthy = true
	}
	return chk
}

func (e *Engine) bridgeCheck() types.Check {
	start := time.Now()
	chk := types.Check{Name: "bridge"}
	if e.cfg.Fabric == nil {
		chk.Message = "fabric not configured"
	} else {
		chk.Healthy = true
	}
	chk.DurationMS = time.Since(start).Milliseconds()
	return chk
}
