// Package coordinator implements the control plane: server bookkeeping,
// failure detection, and the deterministic recovery protocol that
// replaces a failed server without losing either of its two key
// ranges. See doc.go for the full picture.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/gordon-to/replikv/internal/cluster"
)

// Status is a server's lifecycle state as tracked by the coordinator.
type Status string

const (
	// StatusOnline means the server answers client requests normally.
	StatusOnline Status = "ONLINE"
	// StatusFailed means the heartbeat monitor has declared the server
	// dead; a replacement has been or is about to be spawned.
	StatusFailed Status = "FAILED"
	// StatusRecovering means a replacement process is up and streaming
	// its two tables back from its surviving neighbors. Clients that
	// would otherwise be routed here are redirected to the secondary
	// until recovery completes.
	StatusRecovering Status = "RECOVERING"
)

// ServerEntry is the coordinator's full view of one server: its
// static configuration and its current recovery-relevant state.
// Callers receive copies; the registry is the only writer.
type ServerEntry struct {
	Config       cluster.ServerConfig
	Status       Status
	IgnoreWrites bool // set for the duration of a SWITCH_PRIMARY handoff
}

// ServerRegistry is the coordinator's authoritative table of servers.
// Unlike a rebalance-able shard map, placement here is a pure function
// of (key, N) computed by package placement; the registry's only job
// is to say which host:port currently answers for a given server id,
// and whether that server is fit to be routed to.
type ServerRegistry struct {
	mu      sync.RWMutex
	servers map[int]*ServerEntry
}

// NewServerRegistry builds a registry from the servers named in the
// coordinator's configuration file. Every entry starts ONLINE; the
// failure detector is responsible for ever moving one out of that
// state.
func NewServerRegistry(configs []cluster.ServerConfig) *ServerRegistry {
	r := &ServerRegistry{servers: make(map[int]*ServerEntry, len(configs))}
	for _, c := range configs {
		r.servers[c.ID] = &ServerEntry{Config: c, Status: StatusOnline}
	}
	return r
}

// N returns the number of servers in the ring.
func (r *ServerRegistry) N() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Get returns a copy of server id's entry.
func (r *ServerRegistry) Get(id int) (ServerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return ServerEntry{}, false
	}
	return *e, true
}

// All returns a copy of every entry, keyed by id.
func (r *ServerRegistry) All() map[int]ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]ServerEntry, len(r.servers))
	for id, e := range r.servers {
		out[id] = *e
	}
	return out
}

// SetStatus transitions server id to status.
func (r *ServerRegistry) SetStatus(id int, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("unknown server %d", id)
	}
	e.Status = status
	return nil
}

// SetIgnoreWrites flips the quiescing flag the coordinator consults
// when routing writes during a SWITCH_PRIMARY handoff.
func (r *ServerRegistry) SetIgnoreWrites(id int, ignore bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("unknown server %d", id)
	}
	e.IgnoreWrites = ignore
	return nil
}

// ReplaceConfig overwrites server id's config, used when a respawned
// replacement re-registers. The id itself never changes: the
// replacement reuses the failed server's slot in the ring.
func (r *ServerRegistry) ReplaceConfig(id int, cfg cluster.ServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("unknown server %d", id)
	}
	e.Config = cfg
	return nil
}

// LocateOwner resolves the server that should currently serve key,
// honoring the redirect-to-secondary rule: if the key's primary owner
// is not ONLINE, the client is sent to that owner's secondary instead,
// which is required to be authoritative for the duration of recovery.
//
// The second return is false while the resolved server is quiesced
// for a primary-switch handoff; the caller must hold the locate until
// the switch clears rather than route a client into the quiesce
// window.
func (r *ServerRegistry) LocateOwner(owner, secondaryOf int) (cluster.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.servers[owner]; ok && e.Status == StatusOnline {
		return e.Config, !e.IgnoreWrites
	}
	if e, ok := r.servers[secondaryOf]; ok {
		return e.Config, !e.IgnoreWrites
	}
	return cluster.ServerConfig{}, false
}
