package kvserver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gordon-to/replikv/internal/cluster"
	"github.com/gordon-to/replikv/internal/placement"
	"github.com/gordon-to/replikv/internal/storage"
)

// RecoveryState names where a server sits in the online-recovery
// protocol. A server spends almost all of its life in StateNormal.
type RecoveryState int

const (
	StateNormal RecoveryState = iota
	// StateStreamingPrimary: this server is streaming its secondary
	// table to a neighbor's replacement (becoming that replacement's
	// new primary table) while continuing to serve that range itself
	// as interim primary, out of the same secondary table, until
	// SWITCH_PRIMARY arrives.
	StateStreamingPrimary
	// StateStreamingSecondary: this server is streaming its primary
	// table to a neighbor's replacement (becoming that replacement's
	// new secondary table). Nothing about this server's own service
	// changes; it exits back to StateNormal as soon as the stream
	// finishes.
	StateStreamingSecondary
	// StateSwitchingPrimary: the brief quiesced window while this
	// server, previously in StateStreamingPrimary, hands interim
	// primary duty back to the range's rightful owner.
	StateSwitchingPrimary
)

func (s RecoveryState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateStreamingPrimary:
		return "STREAMING_PRIMARY"
	case StateStreamingSecondary:
		return "STREAMING_SECONDARY"
	case StateSwitchingPrimary:
		return "SWITCHING_PRIMARY"
	default:
		return "UNKNOWN"
	}
}

// Server is one key-value server: two replica tables, the lock that
// keeps a forwarded write atomic, and the state needed to take part
// in coordinator-driven recovery.
type Server struct {
	ID int
	N  int

	Primary   storage.Store
	Secondary storage.Store
	locker    *storage.KeyLocker

	CoordAddr string

	mu              sync.Mutex
	state           RecoveryState
	interimPrimary  bool   // true while acting primary for the failed predecessor's range
	secondaryAddr   string // peer port of the server backing up this server's primary range
	replacementAddr string // peer port of the replacement being rebuilt, while interim

	quiesceMu sync.RWMutex

	heartbeatCancel context.CancelFunc
	shutdown        chan struct{}
}

// NewServer returns a server with two fresh in-memory tables.
func NewServer(id, n int, coordAddr string) *Server {
	return &Server{
		ID:        id,
		N:         n,
		Primary:   storage.NewMemoryStore(),
		Secondary: storage.NewMemoryStore(),
		locker:    storage.NewKeyLocker(),
		CoordAddr: coordAddr,
		shutdown:  make(chan struct{}),
	}
}

// SetSecondary records the peer address of the server this server
// forwards primary writes to.
func (s *Server) SetSecondary(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondaryAddr = fmt.Sprintf("%s:%d", host, port)
}

// State returns the server's current recovery state.
func (s *Server) State() RecoveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// routeKey resolves which of this server's two tables serves key, and
// where a write to it must be forwarded. Keys this server owns live in
// the primary table and replicate to the secondary partner; keys owned
// by the failed predecessor are served out of the secondary table only
// while this server is interim primary for them, and replicate to the
// replacement being rebuilt. Any other key doesn't belong here and the
// client must re-locate.
func (s *Server) routeKey(key cluster.Key) (store storage.Store, forwardAddr string, target cluster.PeerTarget, ok bool) {
	owner := placement.Owner(key, s.N)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case owner == s.ID:
		return s.Primary, s.secondaryAddr, cluster.SecondaryTarget, true
	case s.interimPrimary && owner == placement.PrimaryOf(s.ID, s.N):
		return s.Secondary, s.replacementAddr, cluster.PrimaryTarget, true
	default:
		return nil, "", "", false
	}
}

// Get answers a client GET. A key this server neither owns nor serves
// as interim primary is answered with SERVER_FAILURE so the client
// re-locates.
func (s *Server) Get(key cluster.Key) ([]byte, cluster.Status) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()

	store, _, _, ok := s.routeKey(key)
	if !ok {
		return nil, cluster.StatusServerFailure
	}
	value, err := store.Get(key)
	if err != nil {
		return nil, cluster.StatusKeyNotFound
	}
	return value, cluster.StatusSuccess
}

// Put applies a client PUT. It holds the key locked across the local
// write and the synchronous forward to the replica partner, and rolls
// the local write back if the forward fails: a forwarded PUT that
// never reaches the other replica must never look like it succeeded.
func (s *Server) Put(ctx context.Context, key cluster.Key, value []byte) cluster.Status {
	if len(value) > cluster.MaxValueSize {
		return cluster.StatusServerFailure
	}

	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()

	store, addr, target, ok := s.routeKey(key)
	if !ok {
		return cluster.StatusServerFailure
	}

	unlock := s.locker.Lock(key)
	defer unlock()

	previous, prevErr := store.Get(key)
	hadPrevious := prevErr == nil

	if err := store.Put(key, value); err != nil {
		return cluster.StatusOutOfSpace
	}

	if addr == "" {
		// No replica partner configured yet (startup window, or a
		// recovery stream that never got going); accept locally only.
		return cluster.StatusSuccess
	}

	if err := s.forwardPut(ctx, addr, key, value, target); err != nil {
		log.Printf("server %d: forward PUT to replica failed, rolling back: %v", s.ID, err)
		var rollbackErr error
		if hadPrevious {
			rollbackErr = store.Put(key, previous)
		} else {
			rollbackErr = store.Delete(key)
		}
		if rollbackErr != nil {
			log.Printf("server %d: rollback after failed forward also failed: %v", s.ID, rollbackErr)
		}
		return cluster.StatusServerFailure
	}

	return cluster.StatusSuccess
}

func (s *Server) peerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondaryAddr
}

func (s *Server) forwardPut(ctx context.Context, addr string, key cluster.Key, value []byte, target cluster.PeerTarget) error {
	return cluster.PostJSON(ctx, "http://"+addr+"/peer",
		cluster.PeerOpRequest{Type: cluster.OpPut, Key: key, Value: value, Target: target},
		&cluster.PeerOpResponse{})
}

// ApplyPeerOp applies an incoming replicated or streamed write into
// the table named by target.
func (s *Server) ApplyPeerOp(req cluster.PeerOpRequest) cluster.Status {
	store := s.Secondary
	if req.Target == cluster.PrimaryTarget {
		store = s.Primary
	}

	switch req.Type {
	case cluster.OpNoop:
		return cluster.StatusSuccess
	case cluster.OpPut:
		if err := store.Put(req.Key, req.Value); err != nil {
			return cluster.StatusOutOfSpace
		}
		return cluster.StatusSuccess
	default:
		return cluster.StatusServerFailure
	}
}

// StartHeartbeat begins sending a heartbeat to the coordinator every
// interval, until ctx is canceled or StopHeartbeat is called.
func (s *Server) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	s.heartbeatCancel = cancel

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := cluster.PostJSON(ctx, "http://"+s.CoordAddr+"/heartbeat",
				cluster.HeartbeatRequest{ID: s.ID}, nil)
			if err != nil {
				log.Printf("server %d: heartbeat failed: %v", s.ID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// StopHeartbeat cancels the heartbeat loop started by StartHeartbeat.
func (s *Server) StopHeartbeat() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
	}
}

// ShutdownRequested reports whether a SHUTDOWN control command has
// been received.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}
