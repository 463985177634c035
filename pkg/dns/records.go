package dns

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
)

const shardCount = 16

// record is one name -> IP mapping, plus the container it belongs to so a
// deregister-by-container-id can find both its name and id records.
type record struct {
	containerID string
	ip          net.IP
}

// shard is one bucket of the record table, independently lockable.
type shard struct {
	mu     sync.RWMutex
	byName map[string]record
}

// table is the in-memory record set the resolver answers queries from. It
// is sharded by hashing the query name, so registering one container's
// records never blocks a concurrent lookup for an unrelated name.
type table struct {
	shards [shardCount]shard
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].byName = make(map[string]record)
	}
	return t
}

func (t *table) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *table) put(name, containerID string, ip net.IP) {
	s := t.shardFor(name)
	s.mu.Lock()
	s.byName[name] = record{containerID: containerID, ip: ip}
	s.mu.Unlock()
}

func (t *table) get(name string) (net.IP, bool) {
	s := t.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return r.ip, true
}

// deleteContainer removes every name registered under containerID. Called
// on exit/remove; names and ids are stored as separate entries so this has
// to scan each shard once, which is cheap at the container counts a single
// host runs.
func (t *table) deleteContainer(containerID string) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for name, r := range s.byName {
			if r.containerID == containerID {
				delete(s.byName, name)
			}
		}
		s.mu.Unlock()
	}
}

// snapshotInto replaces every entry with the given set, used to rebuild the
// table from the store's RUNNING rows at startup.
func (t *table) snapshotInto(entries map[string]record) {
	for i := range t.shards {
		t.shards[i].mu.Lock()
		t.shards[i].byName = make(map[string]record)
		t.shards[i].mu.Unlock()
	}
	for name, r := range entries {
		t.put(name, r.containerID, r.ip)
	}
}

// rebuildFromStore loads every RUNNING container and registers its name.id
// records, so a restarted daemon can answer queries before the fabric has
// finished re-attaching any container.
func rebuildFromStore(ctx context.Context, store storage.Store, domain string, t *table) error {
	containers, err := store.List(ctx, types.ListFilter{States: []types.ContainerState{types.StateRunning}})
	if err != nil {
		return err
	}

	entries := make(map[string]record, len(containers)*2)
	for _, c := range containers {
		if c.IP == nil {
			continue
		}
		entries[c.ID+"."+domain+"."] = record{containerID: c.ID, ip: c.IP}
		if c.Name != "" {
			entries[c.Name+"."+domain+"."] = record{containerID: c.ID, ip: c.IP}
		}
	}
	t.snapshotInto(entries)

	log.WithComponent("dns").Info().Int("records", len(entries)).Msg("dns table rebuilt from store")
	return nil
}

// recordTTL is the TTL quilt advertises on every answer.
const recordTTL = 30 * time.Second
