package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/fabric"
	"github.com/cuemby/quilt/pkg/ipam"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/cuemby/quilt/pkg/volume"
)

// Config wires an Engine to every subsystem it orchestrates.
type Config struct {
	Store   storage.Store
	IPAM    *ipam.Pool
	Fabric  *fabric.Fabric
	DNS     *dns.Resolver
	Runtime *runtime.Runtime
	Reaper  *runtime.Reaper
	Cleanup *cleanup.Service
	Events  *events.Broker
	Volumes *volume.Manager

	// GraceDefault is used when Stop is called without an explicit grace
	// period.
	GraceDefault time.Duration
}

// Engine is the single orchestrator a daemon entrypoint constructs. It
// holds no container state itself; Store is the sole owner of that.
type Engine struct {
	cfg       Config
	logger    zerolog.Logger
	startedAt time.Time
}

// New constructs an Engine. Start must be called before any lifecycle
// method is used, so the reaper and cleanup service are draining.
func New(cfg Config) *Engine {
	if cfg.GraceDefault <= 0 {
		cfg.GraceDefault = 10 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("engine"),
	}
}

// Start launches the background subsystems the engine depends on: the
// reaper's wait4 loop and the cleanup service's worker pool. The event
// broker is started separately by the caller since it may be shared with
// other consumers (e.g. a metrics collector) before the engine exists.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()
	go e.cfg.Reaper.Run(ctx)
	e.cfg.Cleanup.Start()
	e.logger.Info().Msg("lifecycle engine started")
	return e.reconcileOnBoot(ctx)
}

// Stop drains the cleanup service. The reaper stops when ctx (passed to
// Start) is cancelled.
func (e *Engine) Stop() {
	e.cfg.Cleanup.Stop()
	e.logger.Info().Msg("lifecycle engine stopped")
}

// reconcileOnBoot runs once at startup: it reloads the IPAM free-list from
// Store's ip_allocations rows, rebuilds the DNS table from RUNNING rows, and
// sets the IPAM pool gauges. Every stored allocation is kept, including one
// whose container row no longer exists, and no sweep for orphan veths runs
// here; outstanding cleanup tasks are resumed by the cleanup service's
// workers.
func (e *Engine) reconcileOnBoot(ctx context.Context) error {
	if e.cfg.IPAM == nil {
		return nil
	}
	if err := e.cfg.IPAM.Reconcile(ctx); err != nil {
		return quilterr.Wrap(quilterr.Internal, "engine.reconcileOnBoot", "ipam reconcile", err)
	}
	if err := e.cfg.DNS.Rebuild(ctx); err != nil {
		return quilterr.Wrap(quilterr.Internal, "engine.reconcileOnBoot", "dns rebuild", err)
	}
	metrics.IPAMPoolSize.Set(float64(e.cfg.IPAM.Size()))
	metrics.IPAMPoolFree.Set(float64(e.cfg.IPAM.Free()))
	return nil
}

// newID generates a container identifier. Pulled out to its own function
// so tests can see exactly where ids come from.
func newID() string {
	return uuid.NewString()
}

// Events returns the broker backing this engine's lifecycle events, so
// callers (e.g. pkg/api's StreamEvents) can subscribe directly rather than
// the engine exposing its own parallel pub/sub surface.
func (e *Engine) Events() *events.Broker {
	return e.cfg.Events
}

// Volumes returns the manager backing named volume mounts, so callers
// (e.g. pkg/api's volume listing/deletion) can reach it without the engine
// growing its own volume CRUD methods alongside the lifecycle ones.
func (e *Engine) Volumes() *volume.Manager {
	return e.cfg.Volumes
}
