package engine

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/types"
)

// pollInterval is how often Stop/Kill/Remove poll Store for the state
// change a reaper-driven transition produces asynchronously.
const pollInterval = 50 * time.Millisecond

// killGrace bounds how long Kill (and Stop past its grace period) wait
// for the reaper to observe the process actually dying before giving up
// and returning the container's last-known state.
const killGrace = 5 * time.Second

// networkReadyTimeout bounds how long a caller that needs the network
// (ICC ping/exec) waits for the background attach in attachNetwork to
// flip NetworkUp, before giving up and returning an error.
const networkReadyTimeout = 10 * time.Second

// CreateContainer inserts a new container row in CREATED. It does not
// start the container — that's a separate Start call, matching the CLI's
// create/start split.
func (e *Engine) CreateContainer(ctx context.Context, name string, spec *types.ContainerSpec) (*types.Container, error) {
	if name != "" {
		if existing, err := e.cfg.Store.Get(ctx, name); err == nil && existing.State != types.StateRemoved {
			return nil, quilterr.New(quilterr.NameConflict, "engine.CreateContainer", "name already in use: "+name)
		}
	}

	c := &types.Container{
		ID:        newID(),
		Name:      name,
		Spec:      spec,
		State:     types.StateCreated,
		CreatedAt: time.Now(),
	}
	if err := e.cfg.Store.CreateContainer(ctx, c); err != nil {
		return nil, quilterr.Wrap(quilterr.Internal, "engine.CreateContainer", "insert row", err)
	}
	e.publish(types.EventCreated, c.ID, nil)
	return c, nil
}

// StartContainer moves a CREATED or EXITED container through STARTING to
// RUNNING: reserve an IP, assemble the rootfs and namespaces, release the
// held init process into exec, then (per SPEC_FULL.md §4.3) leave the
// network fabric attach to a background goroutine so the RUNNING
// transition itself never blocks on it. Any failure along the way rolls
// the container back to FAILED with the partial resources it acquired
// enqueued for cleanup — nothing is leaked on a mid-sequence error.
//
// c.Spec.Async (the CLI's --async-mode flag) controls how much of this
// sequence the caller waits for: once the STARTING row is committed, an
// async container's remaining startup work (IP reserve, rootfs/namespace
// assembly, the RUNNING transition itself) runs in the background and
// StartContainer returns immediately with the STARTING row. A
// non-async caller blocks through the same sequence and gets back the
// RUNNING row.
func (e *Engine) StartContainer(ctx context.Context, idOrName string) (*types.Container, error) {
	c, err := e.cfg.Store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	from := c.State
	if err := validateTransition(from, types.StateStarting); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	durationMetric := metrics.ContainerStartDuration
	if from == types.StateCreated {
		durationMetric = metrics.ContainerCreateDuration
	}
	defer timer.ObserveDuration(durationMetric)

	if err := e.cfg.Store.SetState(ctx, c.ID, from, types.StateStarting, types.StatePatch{}); err != nil {
		return nil, err
	}

	name := c.Name
	if name == "" {
		name = c.ID
	}

	if c.Spec.Async {
		go e.finishStart(context.Background(), c.ID, name, c.Spec)
		return e.cfg.Store.Get(ctx, c.ID)
	}

	if err := e.finishStart(ctx, c.ID, name, c.Spec); err != nil {
		return nil, err
	}
	return e.cfg.Store.Get(ctx, c.ID)
}

// finishStart runs the IP reserve through RUNNING-transition sequence that
// StartContainer either waits on directly or hands to a background
// goroutine for an async-mode container. Errors are recorded on the
// container (FAILED, with cleanup enqueued) rather than only returned,
// since the async path has no caller left to hand the error to.
func (e *Engine) finishStart(ctx context.Context, id, name string, spec *types.ContainerSpec) error {
	if e.cfg.Volumes != nil {
		if err := e.cfg.Volumes.ResolveMounts(ctx, spec.Mounts); err != nil {
			e.failStart(ctx, id, nil, err)
			return err
		}
	}

	ip, err := e.cfg.IPAM.Reserve(ctx, id)
	if err != nil {
		e.failStart(ctx, id, nil, err)
		return err
	}

	handle, err := e.cfg.Runtime.Create(ctx, id, spec)
	if err != nil {
		e.failStart(ctx, id, ipamReleaseTask(id), err)
		return err
	}

	if err := handle.Release(); err != nil {
		_ = handle.Kill(syscall.SIGKILL)
		e.failStart(ctx, id, fullCleanupTasks(id), err)
		return err
	}

	now := time.Now()
	pid := handle.PID
	patch := types.StatePatch{
		PID:       &pid,
		IP:        ip,
		NetworkUp: boolPtr(false),
		StartedAt: &now,
	}
	if err := e.cfg.Store.SetState(ctx, id, types.StateStarting, types.StateRunning, patch); err != nil {
		return err
	}

	e.cfg.Reaper.Track(pid, func(exitCode int) { e.handleExit(id, exitCode) })
	e.publish(types.EventStarted, id, map[string]string{"pid": strconv.Itoa(pid)})

	go e.attachNetwork(id, pid, ip, name)

	return nil
}

// attachNetwork runs Fabric.Setup and DNS.Register after the container has
// already reached RUNNING: per SPEC_FULL.md §4.3, network setup may be
// offloaded to the background since the init process itself doesn't need
// connectivity to run, only ICC callers and outbound traffic do. A failure
// here doesn't fail the container — it's alive, just unreachable — so the
// fabric's own partial-attach rollback plus a remove_veth cleanup task is
// enough to leave nothing dangling; WaitNetworkReady callers simply time
// out.
func (e *Engine) attachNetwork(id string, pid int, ip net.IP, name string) {
	ctx := context.Background()

	attach, err := e.cfg.Fabric.Setup(pid, id, ip)
	if err != nil {
		e.logger.Error().Err(err).Str("container", id).Msg("background network attach failed")
		_ = e.cfg.Store.EnqueueCleanup(ctx, vethRemoveTask(id))
		return
	}
	e.cfg.DNS.Register(id, name, ip)

	patch := types.StatePatch{
		MAC:       attach.MAC,
		HostVeth:  attach.HostVeth,
		CtrVeth:   attach.CtrVeth,
		NetworkUp: boolPtr(true),
	}
	if err := e.cfg.Store.SetState(ctx, id, types.StateRunning, types.StateRunning, patch); err != nil {
		if quilterr.KindOf(err) == quilterr.IllegalTransition {
			// the container left RUNNING (stopped/killed/exited) before
			// attach finished; its own teardown path owns the veth now.
			return
		}
		e.logger.Error().Err(err).Str("container", id).Msg("failed to record network attach")
	}
}

// WaitNetworkReady blocks until idOrName's NetworkUp flag is set or
// timeout elapses, for callers (ICC ping/exec) that need the fabric attach
// attachNetwork performs in the background to have completed.
func (e *Engine) WaitNetworkReady(ctx context.Context, idOrName string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = networkReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		c, err := e.cfg.Store.Get(ctx, idOrName)
		if err != nil {
			return err
		}
		if c.NetworkUp {
			return nil
		}
		if c.State != types.StateRunning {
			return quilterr.New(quilterr.InvalidArgument, "engine.WaitNetworkReady", "container is not running")
		}
		if time.Now().After(deadline) {
			return quilterr.New(quilterr.Timeout, "engine.WaitNetworkReady", "timed out waiting for network attach")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// failStart transitions a STARTING container to FAILED, enqueuing whatever
// partial-acquisition cleanup the caller has already determined is owed.
func (e *Engine) failStart(ctx context.Context, id string, tasks []*types.CleanupTask, cause error) {
	msg := cause.Error()
	patch := types.StatePatch{Error: &msg}
	if err := e.cfg.Store.SetStateWithCleanup(ctx, id, types.StateStarting, types.StateFailed, patch, tasks); err != nil {
		e.logger.Error().Err(err).Str("container", id).Msg("failed to record FAILED transition")
	}
}

// handleExit is the Reaper's ExitHandler for a RUNNING container's init
// process. It races against an in-flight Stop/Kill call for the same
// transition; Store's compare-and-swap resolves the race, and the loser's
// SetStateWithCleanup call returns IllegalTransition, which is expected and
// silently ignored here.
func (e *Engine) handleExit(id string, exitCode int) {
	ctx := context.Background()
	now := time.Now()
	patch := types.StatePatch{ExitCode: &exitCode, FinishedAt: &now}
	tasks := []*types.CleanupTask{dnsDeregisterTask(id), vethRemoveTask(id)}

	err := e.cfg.Store.SetStateWithCleanup(ctx, id, types.StateRunning, types.StateExited, patch, tasks)
	if err != nil {
		if quilterr.KindOf(err) == quilterr.IllegalTransition {
			return
		}
		e.logger.Error().Err(err).Str("container", id).Msg("failed to record EXITED transition")
		return
	}
	e.publish(types.EventDied, id, map[string]string{"exit_code": strconv.Itoa(exitCode)})
}

// StopContainer sends SIGTERM, waits up to grace for the reaper to observe
// the process exit, then escalates to SIGKILL. The actual RUNNING->EXITED
// transition always happens in handleExit, so Stop racing a concurrent
// Kill or a natural exit is resolved the same way any other concurrent
// exit is: whichever SetState lands first wins, the other is a no-op.
func (e *Engine) StopContainer(ctx context.Context, idOrName string, grace time.Duration) (*types.Container, error) {
	c, err := e.cfg.Store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if c.State != types.StateRunning {
		return c, nil
	}
	if grace <= 0 {
		grace = e.cfg.GraceDefault
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	if err := runtime.Signal(c.PID, syscall.SIGTERM); err != nil {
		return nil, err
	}
	if e.waitForExit(ctx, c.ID, grace) {
		return e.cfg.Store.Get(ctx, c.ID)
	}

	if err := runtime.Signal(c.PID, syscall.SIGKILL); err != nil {
		return nil, err
	}
	e.waitForExit(ctx, c.ID, killGrace)
	return e.cfg.Store.Get(ctx, c.ID)
}

// KillContainer sends SIGKILL immediately and waits briefly for the reaper
// to observe the exit.
func (e *Engine) KillContainer(ctx context.Context, idOrName string) (*types.Container, error) {
	c, err := e.cfg.Store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if c.State != types.StateRunning {
		return c, nil
	}
	if err := runtime.Signal(c.PID, syscall.SIGKILL); err != nil {
		return nil, err
	}
	e.waitForExit(ctx, c.ID, killGrace)
	return e.cfg.Store.Get(ctx, c.ID)
}

// waitForExit polls Store for id leaving RUNNING, returning true if it did
// so before timeout.
func (e *Engine) waitForExit(ctx context.Context, id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		c, err := e.cfg.Store.Get(ctx, id)
		if err == nil && c.State != types.StateRunning {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// RemoveContainer moves a container to REMOVING (enqueuing every
// teardown task it might still owe) and, in the background, deletes the
// row once the cleanup queue confirms nothing is outstanding. force
// allows removing a RUNNING container by killing it first.
func (e *Engine) RemoveContainer(ctx context.Context, idOrName string, force bool) (*types.Container, error) {
	c, err := e.cfg.Store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := validateRemove(c.State, force); err != nil {
		return nil, err
	}

	if c.State == types.StateRunning {
		if _, err := e.KillContainer(ctx, c.ID); err != nil {
			return nil, err
		}
		if c, err = e.cfg.Store.Get(ctx, c.ID); err != nil {
			return nil, err
		}
	}

	tasks := fullCleanupTasks(c.ID)
	if err := e.cfg.Store.SetStateWithCleanup(ctx, c.ID, c.State, types.StateRemoving, types.StatePatch{}, tasks); err != nil {
		return nil, err
	}
	go e.watchRemoval(c.ID)

	return e.cfg.Store.Get(ctx, c.ID)
}

// watchRemoval polls HasOutstandingCleanup until the REMOVING container's
// queue has drained, then deletes its row. This is the only place a
// container row is ever deleted.
func (e *Engine) watchRemoval(id string) {
	ctx := context.Background()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		outstanding, err := e.cfg.Store.HasOutstandingCleanup(ctx, id)
		if err != nil {
			e.logger.Error().Err(err).Str("container", id).Msg("failed to poll outstanding cleanup")
			continue
		}
		if outstanding {
			continue
		}
		if err := e.cfg.Store.DeleteContainer(ctx, id); err != nil {
			e.logger.Error().Err(err).Str("container", id).Msg("failed to delete removed container row")
			return
		}
		e.publish(types.EventRemoved, id, nil)
		return
	}
}

func (e *Engine) publish(kind types.EventKind, containerID string, attrs map[string]string) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Publish(&types.Event{Kind: kind, ContainerID: containerID, Attributes: attrs})
}

func ipamReleaseTask(id string) []*types.CleanupTask {
	t, _ := cleanup.NewTask(id, types.TaskReleaseIP, cleanup.ReleaseIPPayload{ContainerID: id})
	return []*types.CleanupTask{t}
}

func vethRemoveTask(id string) *types.CleanupTask {
	t, _ := cleanup.NewTask(id, types.TaskRemoveVeth, cleanup.RemoveVethPayload{ContainerID: id})
	return t
}

func dnsDeregisterTask(id string) *types.CleanupTask {
	t, _ := cleanup.NewTask(id, types.TaskDeregisterDNS, cleanup.DeregisterDNSPayload{ContainerID: id, Name: id})
	return t
}

// fullCleanupTasks is every teardown action a container might owe,
// regardless of how far it got: each handler is idempotent, so enqueuing
// one that turns out to be a no-op (e.g. remove_veth for a container that
// never got a veth) costs nothing. release_ip is deliberately absent here —
// vethRemoveTask's own handler enqueues it once Fabric.Teardown confirms
// the veth is actually gone (see cleanup.Service.removeVeth).
func fullCleanupTasks(id string) []*types.CleanupTask {
	return []*types.CleanupTask{
		vethRemoveTask(id),
		mustTask(cleanup.NewTask(id, types.TaskRemoveCgroup, cleanup.RemoveCgroupPayload{ContainerID: id})),
		mustTask(cleanup.NewTask(id, types.TaskRemoveRootfs, cleanup.RemoveRootfsPayload{ContainerID: id})),
		dnsDeregisterTask(id),
	}
}

func mustTask(t *types.CleanupTask, err error) *types.CleanupTask {
	if err != nil {
		panic(err)
	}
	return t
}

func boolPtr(b bool) *bool { return &b }
