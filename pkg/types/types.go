package types

import (
	"net"
	"time"
)

// Container represents a single managed workload: its spec, its current
// runtime state, and the resources (network, mounts) allocated to it.
type Container struct {
	ID        string
	Name      string // optional, unique among non-REMOVED containers
	Spec      *ContainerSpec
	State     ContainerState
	PID       int // 0 when not running
	ExitCode  *int
	Error     string
	IP        net.IP
	MAC       net.HardwareAddr
	HostVeth  string
	CtrVeth   string
	NetworkUp bool // fabric setup for this container has completed
	CreatedAt time.Time
	StartedAt time.Time
	FinishedAt time.Time
}

// ContainerState is one position in the lifecycle state machine.
type ContainerState string

const (
	StateCreated  ContainerState = "CREATED"
	StateStarting ContainerState = "STARTING"
	StateRunning  ContainerState = "RUNNING"
	StateExited   ContainerState = "EXITED"
	StateFailed   ContainerState = "FAILED"
	StateRemoving ContainerState = "REMOVING"
	StateRemoved  ContainerState = "REMOVED"
)

// ContainerSpec is the immutable request that produced a Container.
type ContainerSpec struct {
	RootfsPath string
	Command    []string
	Env        []string
	WorkingDir string

	MemoryLimitMB int64
	CPULimitPct   int

	EnablePIDNamespace     bool
	EnableMountNamespace   bool
	EnableUTSNamespace     bool
	EnableIPCNamespace     bool
	EnableNetworkNamespace bool

	Mounts []Mount

	// Async is the CLI's --async-mode flag: StartContainer returns as soon
	// as the STARTING row is committed instead of blocking until RUNNING,
	// and the engine owns the rest of the startup sequence in the
	// background. It is independent of whether Command is set — an async
	// container can run any command, not just the built-in sentinel (see
	// RunInit's empty-Command handling for that).
	Async bool
}

// MountKind distinguishes the three mount sources Quilt understands.
type MountKind string

const (
	MountBind   MountKind = "bind"
	MountTmpfs  MountKind = "tmpfs"
	MountVolume MountKind = "volume"
)

// Mount describes one filesystem entry assembled into a container's rootfs.
type Mount struct {
	Kind     MountKind
	Source   string // host path, volume name, or unused for tmpfs
	Target   string // path inside the container
	ReadOnly bool
	SizeMB   int64 // tmpfs only
}

// IPAllocation ties an allocated address to the container that owns it.
type IPAllocation struct {
	IP          net.IP
	ContainerID string
	AllocatedAt time.Time
}

// DNSRecord is one name -> address mapping served by the embedded resolver.
type DNSRecord struct {
	Name        string // fully-qualified, e.g. "web.quilt.local."
	ContainerID string
	IP          net.IP
}

// CleanupTaskKind enumerates the idempotent teardown operations the
// cleanup service knows how to run.
type CleanupTaskKind string

const (
	TaskRemoveVeth          CleanupTaskKind = "remove_veth"
	TaskReleaseIP           CleanupTaskKind = "release_ip"
	TaskRemoveCgroup        CleanupTaskKind = "remove_cgroup"
	TaskUmountTree          CleanupTaskKind = "umount_tree"
	TaskRemoveRootfs        CleanupTaskKind = "rm_rootfs"
	TaskRemoveIptablesRule  CleanupTaskKind = "remove_iptables_rule"
	TaskDeregisterDNS       CleanupTaskKind = "deregister_dns"
)

// CleanupTask is one durable, retried unit of teardown work.
type CleanupTask struct {
	ID          string
	ContainerID string
	Kind        CleanupTaskKind
	Payload     string // JSON-encoded, kind-specific
	Attempts    int
	NextAttempt time.Time
	Stuck       bool
	CreatedAt   time.Time
}

// EventKind enumerates the container lifecycle transitions that are
// broadcast on the event bus.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventStarted EventKind = "started"
	EventDied    EventKind = "died"
	EventStopped EventKind = "stopped"
	EventRemoved EventKind = "removed"
)

// Event is one lifecycle notification, stamped with a per-container
// monotonic sequence number so subscribers can detect gaps.
type Event struct {
	Kind        EventKind
	ContainerID string
	Sequence    uint64
	Timestamp   time.Time
	Attributes  map[string]string
}

// Volume is a named, host-backed directory that "volume"-kind mounts
// resolve to.
type Volume struct {
	Name      string
	Driver    string // "local" is the only driver Quilt ships
	MountPath string
	CreatedAt time.Time
}

// SystemInfo is the aggregate snapshot served by the Health/SystemInfo RPCs.
type SystemInfo struct {
	Healthy           bool
	UptimeSeconds     float64
	ContainersRunning int
	ContainersTotal   int
	IPPoolSize        int
	IPPoolFree        int
	BridgeName        string
	Checks            []Check
}

// Check is one named sub-probe contributing to a SystemInfo snapshot.
type Check struct {
	Name       string
	Healthy    bool
	Message    string
	DurationMS int64
}

// ListFilter narrows a Store.List call.
type ListFilter struct {
	States []ContainerState
	Name   string // exact match, optional
}

// StatePatch carries the fields a SetState transition may update alongside
// the state column itself.
type StatePatch struct {
	PID        *int
	ExitCode   *int
	Error      *string
	IP         net.IP
	MAC        net.HardwareAddr
	HostVeth   string
	CtrVeth    string
	NetworkUp  *bool
	StartedAt  *time.Time
	FinishedAt *time.Time
}
