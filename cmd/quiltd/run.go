package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/quilt/pkg/api"
	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/fabric"
	"github.com/cuemby/quilt/pkg/ipam"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/volume"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the quiltd daemon",
	Long: `Run starts every quiltd subsystem in order — store, IP pool, bridge,
embedded DNS, runtime, cleanup queue — and blocks until SIGINT/SIGTERM.

There is no gRPC or HTTP listener for container lifecycle operations: the
pkg/api.Server built here is the daemon's whole external surface, and a
transport in front of it (unix socket, gRPC, whatever a given deployment
needs) is left to the caller embedding quiltd as a library. Only the
health/ready/metrics endpoints are served over plain HTTP, since those are
meant for an external prober that has no business speaking quiltd's own
wire protocol.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("data-dir", "/var/lib/quilt", "Directory for the SQLite store and volumes")
	runCmd.Flags().String("containers-dir", "", "Directory for container rootfs/logs (defaults to <data-dir>/containers)")
	runCmd.Flags().String("bridge-cidr", "10.42.0.0/16", "CIDR for the container bridge network")
	runCmd.Flags().String("dns-listen-addr", dns.DefaultListenAddr, "Address the embedded DNS server binds")
	runCmd.Flags().String("dns-domain", dns.DefaultDomain, "DNS zone the embedded server is authoritative for")
	runCmd.Flags().StringSlice("dns-upstream", []string{dns.DefaultUpstream}, "Upstream resolvers for non-authoritative queries")
	runCmd.Flags().Int("cleanup-workers", 4, "Number of cleanup queue worker goroutines")
	runCmd.Flags().String("health-addr", "127.0.0.1:9090", "Address for the health/ready/metrics HTTP server")
	runCmd.Flags().Duration("stop-grace", 10*time.Second, "Default grace period for container stop")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	containersDir, _ := cmd.Flags().GetString("containers-dir")
	bridgeCIDR, _ := cmd.Flags().GetString("bridge-cidr")
	dnsListenAddr, _ := cmd.Flags().GetString("dns-listen-addr")
	dnsDomain, _ := cmd.Flags().GetString("dns-domain")
	dnsUpstream, _ := cmd.Flags().GetStringSlice("dns-upstream")
	cleanupWorkers, _ := cmd.Flags().GetInt("cleanup-workers")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	stopGrace, _ := cmd.Flags().GetDuration("stop-grace")

	if containersDir == "" {
		containersDir = dataDir + "/containers"
	}

	logger := log.WithComponent("quiltd")

	_, poolCIDR, err := net.ParseCIDR(bridgeCIDR)
	if err != nil {
		return fmt.Errorf("parse bridge-cidr: %w", err)
	}
	// net.ParseCIDR returns the network address in poolCIDR.IP; the
	// gateway quilt0 itself carries is the first usable address in that
	// network, i.e. network address + 1.
	gateway := make(net.IP, len(poolCIDR.IP))
	copy(gateway, poolCIDR.IP)
	gateway[len(gateway)-1]++

	store, err := storage.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ipPool, err := ipam.NewPool(poolCIDR, gateway)
	if err != nil {
		return fmt.Errorf("create ip pool: %w", err)
	}
	ipPool.Attach(store)

	_, dnsPortStr, err := net.SplitHostPort(dnsListenAddr)
	if err != nil {
		return fmt.Errorf("parse dns-listen-addr: %w", err)
	}
	dnsPort, err := net.LookupPort("udp", dnsPortStr)
	if err != nil {
		return fmt.Errorf("parse dns-listen-addr port: %w", err)
	}

	fab, err := fabric.New(fabric.Config{
		BridgeCIDR: poolCIDR,
		GatewayIP:  gateway,
		DNSPort:    dnsPort,
	})
	if err != nil {
		return fmt.Errorf("create fabric: %w", err)
	}
	if err := fab.EnsureBridge(); err != nil {
		return fmt.Errorf("ensure bridge: %w", err)
	}

	dnsServer := dns.NewServer(store, &dns.Config{
		ListenAddr: dnsListenAddr,
		Domain:     dnsDomain,
		Upstream:   dnsUpstream,
	})

	rt := runtime.New(containersDir)
	reaper := runtime.NewReaper()

	cleanupSvc, err := cleanup.New(cleanup.Config{
		Store:         store,
		Fabric:        fab,
		IPPool:        ipPool,
		DNS:           dnsServer.Resolver(),
		ContainersDir: containersDir,
		Workers:       cleanupWorkers,
	})
	if err != nil {
		return fmt.Errorf("create cleanup service: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	volumes, err := volume.NewManager(store, dataDir+"/volumes")
	if err != nil {
		return fmt.Errorf("create volume manager: %w", err)
	}

	eng := engine.New(engine.Config{
		Store:        store,
		IPAM:         ipPool,
		Fabric:       fab,
		DNS:          dnsServer.Resolver(),
		Runtime:      rt,
		Reaper:       reaper,
		Cleanup:      cleanupSvc,
		Events:       broker,
		Volumes:      volumes,
		GraceDefault: stopGrace,
	})

	srv := api.NewServer(eng, containersDir)
	_ = srv // the daemon's external transport is out of scope; see runCmd's Long text
	healthSrv := api.NewHealthServer(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DNS.Start only rebuilds its record table and spawns its own
	// listener goroutine, returning immediately either way — started
	// before Engine.Start so the server is already serving queries by
	// the time reconcileOnBoot runs its own (idempotent) DNS rebuild.
	if err := dnsServer.Start(ctx); err != nil {
		return fmt.Errorf("start dns server: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.Start(healthAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	logger.Info().
		Str("data_dir", dataDir).
		Str("bridge_cidr", bridgeCIDR).
		Str("dns_listen_addr", dnsListenAddr).
		Str("health_addr", healthAddr).
		Msg("quiltd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("subsystem error, shutting down")
	}

	cancel()
	eng.Stop()
	if err := dnsServer.Stop(); err != nil {
		logger.Warn().Err(err).Msg("dns server stop")
	}

	logger.Info().Msg("quiltd stopped")
	return nil
}
