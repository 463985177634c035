package metrics

import (
	"context"
	"time"

	"github.com/cuemby/quilt/pkg/types"
)

// Store is the subset of pkg/storage.Store the collector needs. Defined
// here (rather than importing pkg/storage directly) to avoid a metrics ->
// storage import cycle, since storage reports its own counters inline.
type Store interface {
	List(ctx context.Context, filter types.ListFilter) ([]*types.Container, error)
	CountStuckCleanupTasks(ctx context.Context) (int, error)
	CountPendingCleanupTasks(ctx context.Context) (int, error)
}

// IPPool is the subset of pkg/ipam.Pool the collector needs.
type IPPool interface {
	Size() int
	Free() int
}

// Collector periodically samples Store and IPAM state into the package's
// gauges, the way the engine's background services sample their own state
// on a ticker rather than updating gauges inline on every mutation.
type Collector struct {
	store  Store
	pool   IPPool
	stopCh chan struct{}
}

func NewCollector(store Store, pool IPPool) *Collector {
	return &Collector{
		store:  store,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectContainerMetrics()
	c.collectIPAMMetrics()
	c.collectCleanupMetrics()
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.store.List(context.Background(), types.ListFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.ContainerState]int)
	for _, ctr := range containers {
		counts[ctr.State]++
	}
	for _, state := range []types.ContainerState{
		types.StateCreated, types.StateStarting, types.StateRunning,
		types.StateExited, types.StateFailed, types.StateRemoving,
	} {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectIPAMMetrics() {
	if c.pool == nil {
		return
	}
	IPAMPoolSize.Set(float64(c.pool.Size()))
	IPAMPoolFree.Set(float64(c.pool.Free()))
}

func (c *Collector) collectCleanupMetrics() {
	pending, err := c.store.CountPendingCleanupTasks(context.Background())
	if err == nil {
		CleanupQueueDepth.Set(float64(pending))
	}
	stuck, err := c.store.CountStuckCleanupTasks(context.Background())
	if err == nil {
		CleanupTasksStuckTotal.Set(float64(stuck))
	}
}
