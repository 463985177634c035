// Package fabric owns the host bridge, per-container veth pairs, and the
// iptables rules that make a container's allocated IP reachable. All
// mutation goes through a single process-wide lock: the bridge and the
// iptables ruleset are shared-mutable state and the kernel calls involved
// are not safe to interleave across containers.
package fabric

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/log"
)

const (
	// BridgeName is the single host bridge every container attaches to.
	BridgeName = "quilt0"

	maxAttempts = 3
)

// Config describes the pool the fabric's bridge sits on.
type Config struct {
	BridgeCIDR  *net.IPNet // e.g. 10.42.0.0/16
	GatewayIP   net.IP     // e.g. 10.42.0.1
	DNSPort     int        // embedded DNS's real listen port, e.g. 1053
}

// Attachment is what Setup hands back: the names and addresses a caller
// needs to record against the container row.
type Attachment struct {
	HostVeth string
	CtrVeth  string
	MAC      net.HardwareAddr
}

// Fabric manages the bridge and per-container network attachment.
type Fabric struct {
	mu     sync.Mutex // fabricMu: serializes every bridge/iptables mutation
	cfg    Config
	ipt    *iptables.IPTables
	ready  bool
}

// New constructs a Fabric. Call EnsureBridge once at daemon startup before
// any Setup call.
func New(cfg Config) (*Fabric, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.New", "init iptables", err)
	}
	return &Fabric{cfg: cfg, ipt: ipt}, nil
}

// EnsureBridge creates quilt0 if absent, assigns it the gateway address,
// and installs the daemon-wide iptables rules (forwarding, masquerade, and
// the DNS-redirect DNAT). These rules are installed once, not per
// container, so repeated daemon restarts never accrete duplicate rules.
func (f *Fabric) EnsureBridge() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return quilterr.Wrap(quilterr.NetlinkError, "fabric.EnsureBridge", "lookup bridge", err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: BridgeName}}
		if err := netlink.LinkAdd(br); err != nil {
			return quilterr.Wrap(quilterr.NetlinkError, "fabric.EnsureBridge", "create bridge", err)
		}
		link, err = netlink.LinkByName(BridgeName)
		if err != nil {
			return quilterr.Wrap(quilterr.NetlinkError, "fabric.EnsureBridge", "lookup bridge after create", err)
		}
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: f.cfg.GatewayIP, Mask: f.cfg.BridgeCIDR.Mask}}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.EnsureBridge", "assign gateway address", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.EnsureBridge", "bring bridge up", err)
	}

	if err := f.ensureRule("filter", "FORWARD", "-i", BridgeName, "-j", "ACCEPT"); err != nil {
		return err
	}
	if err := f.ensureRule("nat", "POSTROUTING", "-s", f.cfg.BridgeCIDR.String(), "-j", "MASQUERADE"); err != nil {
		return err
	}
	if f.cfg.DNSPort != 0 {
		redirect := fmt.Sprintf("%s:%d", f.cfg.GatewayIP, f.cfg.DNSPort)
		if err := f.ensureRule("nat", "PREROUTING",
			"-d", f.cfg.GatewayIP.String(), "-p", "udp", "--dport", "53",
			"-j", "DNAT", "--to-destination", redirect); err != nil {
			return err
		}
	}

	f.ready = true
	log.WithComponent("fabric").Info().Str("bridge", BridgeName).Msg("bridge ready")
	return nil
}

func (f *Fabric) ensureRule(table, chain string, rule ...string) error {
	ok, err := f.ipt.Exists(table, chain, rule...)
	if err != nil {
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.ensureRule", "check rule", err)
	}
	if ok {
		return nil
	}
	if err := f.ipt.Append(table, chain, rule...); err != nil {
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.ensureRule", "append rule", err)
	}
	return nil
}

// rollbackStep is one undo action, pushed as each setup step succeeds so a
// later failure can unwind exactly what was created, in reverse order.
type rollbackStep func()

// Setup attaches a container's network namespace to the bridge: creates a
// veth pair, moves one end into the container's namespace, assigns the
// allocated IP, adds the default route, and seeds the ARP entries both
// sides need to avoid a broadcast round-trip on first packet. Either every
// step succeeds or the whole attempt is rolled back and Setup returns an
// error — callers never observe a half-attached container.
func (f *Fabric) Setup(containerPID int, containerID string, ip net.IP) (*Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rollback []rollbackStep
	undo := func() {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
	}

	hostVeth, ctrVeth := vethNames(containerID)

	attach := func() (*Attachment, error) {
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: hostVeth},
			PeerName:  ctrVeth,
		}
		if err := retryNetlink(func() error { return netlink.LinkAdd(veth) }); err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "create veth pair", err)
		}
		rollback = append(rollback, func() {
			if link, err := netlink.LinkByName(hostVeth); err == nil {
				_ = netlink.LinkDel(link)
			}
		})

		hostLink, err := netlink.LinkByName(hostVeth)
		if err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "lookup host veth", err)
		}
		bridge, err := netlink.LinkByName(BridgeName)
		if err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "lookup bridge", err)
		}
		if err := netlink.LinkSetMaster(hostLink, bridge); err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "attach host veth to bridge", err)
		}
		if err := netlink.LinkSetUp(hostLink); err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "bring up host veth", err)
		}

		ctrLink, err := netlink.LinkByName(ctrVeth)
		if err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "lookup container veth", err)
		}
		if err := netlink.LinkSetNsPid(ctrLink, containerPID); err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "move veth into namespace", err)
		}

		ctrNS, err := netns.GetFromPid(containerPID)
		if err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "open container namespace", err)
		}
		defer ctrNS.Close()

		hostNS, err := netns.Get()
		if err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "capture host namespace", err)
		}
		defer hostNS.Close()

		if err := netns.Set(ctrNS); err != nil {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "enter container namespace", err)
		}
		mac, err := configureContainerSide(ctrVeth, ip, f.cfg.BridgeCIDR.Mask, f.cfg.GatewayIP)
		_ = netns.Set(hostNS) // always return to the host namespace
		if err != nil {
			return nil, err
		}

		if err := netlink.NeighAdd(&netlink.Neigh{
			LinkIndex:    hostLink.Attrs().Index,
			IP:           ip,
			HardwareAddr: mac,
			State:        netlink.NUD_PERMANENT,
		}); err != nil && !errors.Is(err, syscall.EEXIST) {
			return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.Setup", "seed host arp entry", err)
		}

		return &Attachment{HostVeth: hostVeth, CtrVeth: ctrVeth, MAC: mac}, nil
	}

	result, err := attach()
	if err != nil {
		undo()
		return nil, err
	}
	return result, nil
}

// configureContainerSide runs inside the container's network namespace on
// the moved veth end, which keeps its host-assigned qc… name (it is not
// renamed): assign the address, bring it up, add the
// default route, and seed a permanent ARP entry for the gateway so the
// container's first outbound packet never relies on broadcast ARP.
func configureContainerSide(name string, ip net.IP, mask net.IPMask, gateway net.IP) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.configureContainerSide", "lookup veth", err)
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}); err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.configureContainerSide", "assign address", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.configureContainerSide", "bring up veth", err)
	}
	if err := netlink.RouteAdd(&netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gateway,
	}); err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.configureContainerSide", "add default route", err)
	}

	bridgeMAC, err := gatewayMAC()
	if err != nil {
		return nil, err
	}
	if err := netlink.NeighAdd(&netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		IP:           gateway,
		HardwareAddr: bridgeMAC,
		State:        netlink.NUD_PERMANENT,
	}); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.configureContainerSide", "seed gateway arp entry", err)
	}

	return link.Attrs().HardwareAddr, nil
}

// gatewayMAC reads the bridge's live hardware address. It must never fall
// back to the broadcast address (ff:ff:ff:ff:ff:ff) — that would defeat the
// point of seeding a static ARP entry.
func gatewayMAC() (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		return nil, quilterr.Wrap(quilterr.NetlinkError, "fabric.gatewayMAC", "lookup bridge from namespace", err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 || mac.String() == "ff:ff:ff:ff:ff:ff" {
		return nil, quilterr.New(quilterr.NetlinkError, "fabric.gatewayMAC", "bridge mac unresolved")
	}
	return mac, nil
}

// Teardown removes a container's veth pair and host-side ARP entry. It is
// idempotent: a missing link is not an error, since Teardown may run twice
// (once from a failed Setup's rollback, once from the cleanup queue).
func (f *Fabric) Teardown(containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	hostVeth, _ := vethNames(containerID)
	link, err := netlink.LinkByName(hostVeth)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.Teardown", "lookup host veth", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return quilterr.Wrap(quilterr.NetlinkError, "fabric.Teardown", "delete host veth", err)
	}
	return nil
}

func vethNames(containerID string) (host, ctr string) {
	short := containerID
	if len(short) > 11 {
		short = short[:11]
	}
	return "qh" + short, "qc" + short
}

// InterfaceStats is the point-in-time byte counters the Metrics RPC reports
// for a container's network.
type InterfaceStats struct {
	RxBytes uint64
	TxBytes uint64
}

// NetworkUsage reads a container's host-side veth counters straight from
// sysfs. A missing interface (container not running, or already torn
// down) returns a zero-value result rather than an error, matching
// ResourceUsage's cgroup-read posture.
func NetworkUsage(containerID string) InterfaceStats {
	hostVeth, _ := vethNames(containerID)
	var stats InterfaceStats
	stats.RxBytes = readSysfsCounter(hostVeth, "rx_bytes")
	stats.TxBytes = readSysfsCounter(hostVeth, "tx_bytes")
	return stats
}

func readSysfsCounter(iface, name string) uint64 {
	data, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/statistics/%s", iface, name))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return n
}

// retryNetlink retries a netlink call up to maxAttempts times with
// exponential backoff on EBUSY only. EEXIST, like every other error, is
// returned after the first attempt without a retry.
func retryNetlink(fn func() error) error {
	var err error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}
