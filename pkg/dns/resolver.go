package dns

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/miekg/dns"
)

// Resolver answers queries against the in-memory record table, falling
// back to an upstream resolver for anything outside the local zone.
type Resolver struct {
	store    storage.Store
	domain   string
	upstream []string

	table *table
}

// NewResolver builds a Resolver for the given zone (e.g. "quilt.local").
func NewResolver(store storage.Store, domain string, upstream []string) *Resolver {
	return &Resolver{
		store:    store,
		domain:   domain,
		upstream: upstream,
		table:    newTable(),
	}
}

// Rebuild reloads the record table from every RUNNING container in the
// store. Call once at startup before serving queries.
func (r *Resolver) Rebuild(ctx context.Context) error {
	return rebuildFromStore(ctx, r.store, r.domain, r.table)
}

// Register adds name.<domain>. and id.<domain>. records for a container
// that has just reached RUNNING with an allocated IP.
func (r *Resolver) Register(containerID, name string, ip net.IP) {
	r.table.put(containerID+"."+r.domain+".", containerID, ip)
	if name != "" {
		r.table.put(name+"."+r.domain+".", containerID, ip)
	}
	log.WithComponent("dns").WithContainerID(containerID).Debug().Str("ip", ip.String()).Msg("dns record registered")
}

// Deregister removes every record for a container, called on exit/remove.
func (r *Resolver) Deregister(containerID string) {
	r.table.deleteContainer(containerID)
	log.WithComponent("dns").WithContainerID(containerID).Debug().Msg("dns records deregistered")
}

// ErrNotLocalZone and ErrNXDomain distinguish "forward this upstream" from
// "answer NXDOMAIN", which server.go's two callers treat differently.
var (
	ErrNotLocalZone = errors.New("dns: name outside local zone")
	ErrNXDomain     = errors.New("dns: no such name in local zone")
)

// Resolve answers an A query. A name inside the local zone that has no
// record returns ErrNXDomain; a name outside the zone returns
// ErrNotLocalZone so the caller knows to forward it upstream instead.
func (r *Resolver) Resolve(queryName string) ([]dns.RR, error) {
	name := strings.ToLower(queryName)

	if !strings.HasSuffix(name, "."+r.domain+".") && name != r.domain+"." {
		return nil, ErrNotLocalZone
	}

	ip, ok := r.table.get(name)
	if !ok {
		return nil, ErrNXDomain
	}

	return []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    uint32(recordTTL.Seconds()),
		},
		A: ip,
	}}, nil
}
