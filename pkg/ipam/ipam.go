// Package ipam allocates and frees IPv4 addresses out of a single /16 pool,
// keeping the free-list ordered so allocation is deterministic and
// low-address-first, and reloading outstanding allocations from the store
// on startup so a restart never double-allocates an address.
package ipam

import (
	"context"
	"encoding/binary"
	"net"
	"sort"
	"sync"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/storage"
)

// Pool manages the address space of one Linux bridge.
type Pool struct {
	mu sync.Mutex

	cidr    *net.IPNet
	gateway uint32

	store storage.Store

	free      []uint32 // ascending; free[0] is the next address handed out
	allocated map[string]uint32
}

// NewPool builds a Pool over cidr, reserving the network address and the
// given gateway so neither is ever handed to a container.
func NewPool(cidr *net.IPNet, gateway net.IP) (*Pool, error) {
	ones, bits := cidr.Mask.Size()
	if bits != 32 {
		return nil, quilterr.New(quilterr.InvalidArgument, "ipam.NewPool", "cidr must be IPv4")
	}

	base := ip4ToUint32(cidr.IP)
	size := uint32(1) << uint(bits-ones)
	gw := ip4ToUint32(gateway.To4())

	free := make([]uint32, 0, size)
	broadcast := base + size - 1
	for addr := base + 1; addr < broadcast; addr++ { // skip network + broadcast
		if addr == gw {
			continue
		}
		free = append(free, addr)
	}

	return &Pool{
		cidr:      cidr,
		gateway:   gw,
		free:      free,
		allocated: make(map[string]uint32),
	}, nil
}

// Attach wires a Store so allocations persist across restarts and Reconcile
// can rebuild in-memory state from it.
func (p *Pool) Attach(store storage.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = store
}

// Reconcile reloads every outstanding ip_allocations row, removing each
// address from the free list so a restarted daemon never reuses an IP that
// is still owned by a live container.
func (p *Pool) Reconcile(ctx context.Context) error {
	allocs, err := p.store.ListAllocatedIPs(ctx)
	if err != nil {
		return quilterr.Wrap(quilterr.IoError, "ipam.Reconcile", "list allocations", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range allocs {
		addr := ip4ToUint32(a.IP.To4())
		p.allocated[a.ContainerID] = addr
		p.removeFree(addr)
	}

	log.WithComponent("ipam").Info().Int("reconciled", len(allocs)).Msg("ipam reconciled from store")
	return nil
}

// Reserve hands out the lowest free address in the pool and records it
// against containerID, first in the store and then in memory, in that order
// so a store failure leaves the in-memory pool untouched.
func (p *Pool) Reserve(ctx context.Context, containerID string) (net.IP, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return nil, quilterr.New(quilterr.ResourceExhausted, "ipam.Reserve", "address pool exhausted")
	}
	addr := p.free[0]
	ip := uint32ToIP4(addr)
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.ReserveIP(ctx, ip, containerID); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.removeFree(addr)
	p.allocated[containerID] = addr
	p.mu.Unlock()

	return ip, nil
}

// Release frees containerID's address. It is idempotent: releasing a
// container with no allocation is a no-op, since Stop/Remove may both try
// to release the same container's IP.
func (p *Pool) Release(ctx context.Context, containerID string) error {
	p.mu.Lock()
	addr, ok := p.allocated[containerID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	ip := uint32ToIP4(addr)
	if p.store != nil {
		if err := p.store.ReleaseIP(ctx, ip); err != nil {
			return err
		}
	}

	p.mu.Lock()
	delete(p.allocated, containerID)
	p.insertFree(addr)
	p.mu.Unlock()
	return nil
}

// Size returns the pool's total usable address count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.allocated)
}

// Free returns the current number of unallocated addresses.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// removeFree deletes addr from the sorted free list. Callers hold p.mu.
func (p *Pool) removeFree(addr uint32) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i] >= addr })
	if i < len(p.free) && p.free[i] == addr {
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// insertFree inserts addr back into the sorted free list, preserving
// ascending order so the next Reserve call still yields the lowest address.
// Callers hold p.mu.
func (p *Pool) insertFree(addr uint32) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i] >= addr })
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = addr
}

func ip4ToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uint32ToIP4(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}
