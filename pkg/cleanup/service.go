package cleanup

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coreos/go-iptables/iptables"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/fabric"
	"github.com/cuemby/quilt/pkg/ipam"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the subset of pkg/storage.Store the cleanup service needs.
type Store interface {
	EnqueueCleanup(ctx context.Context, task *types.CleanupTask) error
	ClaimCleanup(ctx context.Context, now time.Time, batch int) ([]*types.CleanupTask, error)
	CompleteCleanup(ctx context.Context, id string) error
	BumpRetry(ctx context.Context, id string, next time.Time, markStuck bool) error
}

const (
	// pollInterval is how often an idle worker checks the queue again
	// after draining it empty.
	pollInterval = 500 * time.Millisecond

	// batchSize bounds how many rows a single ClaimCleanup call leases
	// to one worker at a time.
	batchSize = 8

	// maxAttempts is the retry budget before a task is marked stuck
	// rather than retried again. A stuck task is never dropped — it
	// just stops being retried automatically until an operator or a
	// later fix clears it.
	maxAttempts = 8
)

// Config wires the Service to the subsystems its handlers tear down.
type Config struct {
	Store       Store
	Fabric      *fabric.Fabric
	IPPool      *ipam.Pool
	DNS         *dns.Resolver
	ContainersDir string
	Workers     int // defaults to 4 if <= 0
}

// Service drains the durable cleanup queue with a small pool of worker
// goroutines, each independently claiming and processing a batch at a
// time. There is no single reconcile cycle here: workers run until Stop
// is called, backing off to pollInterval whenever a claim comes back
// empty.
type Service struct {
	cfg    Config
	logger zerolog.Logger
	ipt    *iptables.IPTables

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Service. Start must be called to begin draining.
func New(cfg Config) (*Service, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ipt, err := iptables.New()
	if err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "cleanup.New", "init iptables", err)
	}
	return &Service{
		cfg:    cfg,
		logger: log.WithComponent("cleanup"),
		ipt:    ipt,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the worker pool.
func (s *Service) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info().Int("workers", s.cfg.Workers).Msg("cleanup service started")
}

// Stop signals every worker to exit and waits for them to drain their
// current batch.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("cleanup service stopped")
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	log := s.logger.With().Int("worker", id).Logger()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// Keep claiming while batches come back non-empty; only an
			// empty claim waits for the next tick.
			for s.drainOnce(log) > 0 {
				select {
				case <-s.stopCh:
					return
				default:
				}
			}
		}
	}
}

// drainOnce claims one batch and processes it, returning the number of
// tasks it handled.
func (s *Service) drainOnce(log zerolog.Logger) int {
	ctx := context.Background()
	tasks, err := s.cfg.Store.ClaimCleanup(ctx, time.Now(), batchSize)
	if err != nil {
		log.Error().Err(err).Msg("claim cleanup batch failed")
		return 0
	}
	metrics.CleanupQueueDepth.Set(float64(len(tasks)))
	for _, task := range tasks {
		s.process(ctx, log, task)
	}
	return len(tasks)
}

func (s *Service) process(ctx context.Context, log zerolog.Logger, task *types.CleanupTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CleanupTaskDuration, string(task.Kind))

	err := s.dispatch(task)
	if err == nil {
		if cerr := s.cfg.Store.CompleteCleanup(ctx, task.ID); cerr != nil {
			log.Error().Err(cerr).Str("task", task.ID).Msg("failed to mark cleanup task complete")
		}
		return
	}

	log.Warn().Err(err).Str("task", task.ID).Str("kind", string(task.Kind)).
		Int("attempts", task.Attempts).Msg("cleanup task failed")

	stuck := task.Attempts+1 >= maxAttempts
	if stuck {
		metrics.CleanupTasksStuckTotal.Inc()
	}
	next := time.Now().Add(backoff(task.Attempts))
	if berr := s.cfg.Store.BumpRetry(ctx, task.ID, next, stuck); berr != nil {
		log.Error().Err(berr).Str("task", task.ID).Msg("failed to bump cleanup retry")
	}
}

// backoff grows exponentially from 1s, capped at 5 minutes, so a
// persistently failing dependency (e.g. a netlink call racing a dying
// network namespace) doesn't spin the worker pool.
func backoff(attempts int) time.Duration {
	d := time.Second << attempts
	const maxBackoff = 5 * time.Minute
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Service) dispatch(task *types.CleanupTask) error {
	switch task.Kind {
	case types.TaskRemoveVeth:
		return s.removeVeth(task)
	case types.TaskReleaseIP:
		return s.releaseIP(task)
	case types.TaskRemoveCgroup:
		return s.removeCgroup(task)
	case types.TaskUmountTree:
		return s.umountTree(task)
	case types.TaskRemoveRootfs:
		return s.removeRootfs(task)
	case types.TaskRemoveIptablesRule:
		return s.removeIptablesRule(task)
	case types.TaskDeregisterDNS:
		return s.deregisterDNS(task)
	default:
		return quilterr.New(quilterr.InvalidArgument, "cleanup.dispatch", "unknown task kind: "+string(task.Kind))
	}
}

// removeVeth tears down a container's host veth, then enqueues its
// release_ip task. The two are never enqueued together up front: an IP
// re-enters the free-list only once the fabric has confirmed the veth is
// gone, so a fast-churning id can't be re-handed-out while the old veth's
// ARP entry is still live on the bridge (spec.md §4.2).
func (s *Service) removeVeth(task *types.CleanupTask) error {
	var p RemoveVethPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.removeVeth", "decode payload", err)
	}
	if s.cfg.Fabric != nil {
		if err := s.cfg.Fabric.Teardown(p.ContainerID); err != nil {
			return err
		}
	}
	if s.cfg.Store == nil {
		return nil
	}
	release, err := NewTask(p.ContainerID, types.TaskReleaseIP, ReleaseIPPayload{ContainerID: p.ContainerID})
	if err != nil {
		return quilterr.Wrap(quilterr.Internal, "cleanup.removeVeth", "build release_ip task", err)
	}
	return s.cfg.Store.EnqueueCleanup(context.Background(), release)
}

func (s *Service) releaseIP(task *types.CleanupTask) error {
	var p ReleaseIPPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.releaseIP", "decode payload", err)
	}
	if s.cfg.IPPool == nil {
		return nil
	}
	return s.cfg.IPPool.Release(context.Background(), p.ContainerID)
}

func (s *Service) removeCgroup(task *types.CleanupTask) error {
	var p RemoveCgroupPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.removeCgroup", "decode payload", err)
	}
	return runtime.RemoveCgroup(p.ContainerID)
}

func (s *Service) removeRootfs(task *types.CleanupTask) error {
	var p RemoveRootfsPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.removeRootfs", "decode payload", err)
	}
	return runtime.RemoveRootfs(s.cfg.ContainersDir, p.ContainerID)
}

// umountTree lazily detaches (MNT_DETACH) the single root path the payload
// carries; the mounts beneath it are detached along with it. It does not
// unmount the leaves one by one, since the mount list itself isn't tracked
// elsewhere.
func (s *Service) umountTree(task *types.CleanupTask) error {
	var p UmountTreePayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.umountTree", "decode payload", err)
	}
	if p.Path == "" {
		return nil
	}
	return unmountDetach(p.Path)
}

func (s *Service) removeIptablesRule(task *types.CleanupTask) error {
	var p RemoveIptablesRulePayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.removeIptablesRule", "decode payload", err)
	}
	if err := s.ipt.Delete(p.Table, p.Chain, p.Rule...); err != nil {
		return quilterr.Wrap(quilterr.NetlinkError, "cleanup.removeIptablesRule", "delete rule", err)
	}
	return nil
}

func (s *Service) deregisterDNS(task *types.CleanupTask) error {
	var p DeregisterDNSPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return quilterr.Wrap(quilterr.InvalidArgument, "cleanup.deregisterDNS", "decode payload", err)
	}
	if s.cfg.DNS == nil {
		return nil
	}
	s.cfg.DNS.Deregister(p.ContainerID)
	return nil
}
