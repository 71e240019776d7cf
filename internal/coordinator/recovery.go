package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gordon-to/replikv/internal/cluster"
	"github.com/gordon-to/replikv/internal/placement"
)

// recoveryState tracks one in-flight recovery. failedID is also the
// replacement's id, since the replacement reuses the failed server's
// slot in the ring; there is no separate replacement id.
type recoveryState struct {
	failedID       int
	b, c           int // secondary(failedID), primaryOf(failedID)
	primaryAcked   bool
	secondaryAcked bool
	aborted        bool
}

// RecoveryCoordinator drives the online-recovery protocol: spawn a
// replacement for a failed server, stream its two key ranges back
// from its surviving neighbors, and perform the atomic primary-switch
// handoff once both streams land.
type RecoveryCoordinator struct {
	registry  *ServerRegistry
	health    *HealthMonitor
	spawner   Spawner
	coordAddr string

	mu       sync.Mutex
	inFlight map[int]*recoveryState

	// registerWatch arms a waiter for server id's next registration
	// and returns the blocking wait. Arming before the spawn means a
	// replacement that registers quickly cannot slip past the wait.
	// Overridable in tests; in production it's backed by a channel
	// the /register handler signals.
	registerWatch func(id int) func(ctx context.Context) error
}

// NewRecoveryCoordinator wires a RecoveryCoordinator to the registry
// and health monitor it acts on, plus the spawner used to launch
// replacement processes.
func NewRecoveryCoordinator(registry *ServerRegistry, health *HealthMonitor, spawner Spawner, coordAddr string, registerWatch func(id int) func(ctx context.Context) error) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		registry:      registry,
		health:        health,
		spawner:       spawner,
		coordAddr:     coordAddr,
		inFlight:      make(map[int]*recoveryState),
		registerWatch: registerWatch,
	}
}

// HandleFailure is the HealthMonitor.SetOnStale callback: it runs the
// entire recovery sequence for the server that just went stale. It is
// safe to call concurrently for distinct failed ids; a second call for
// an id already recovering is ignored.
func (rc *RecoveryCoordinator) HandleFailure(ctx context.Context, failedID int) {
	n := rc.registry.N()
	b := placement.Secondary(failedID, n)
	c := placement.PrimaryOf(failedID, n)

	rc.mu.Lock()
	if _, ok := rc.inFlight[failedID]; ok {
		rc.mu.Unlock()
		return
	}
	st := &recoveryState{failedID: failedID, b: b, c: c}
	rc.inFlight[failedID] = st
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.inFlight, failedID)
		rc.mu.Unlock()
	}()

	if err := rc.registry.SetStatus(failedID, StatusFailed); err != nil {
		log.Printf("recovery %d: %v", failedID, err)
		return
	}
	// Drop any pre-failure timestamp now, so the detector cannot
	// re-declare this id from stale state while the replacement
	// spawns. The replacement's own registration re-adds it.
	rc.health.Forget(failedID)

	cfg, ok := rc.registry.Get(failedID)
	if !ok {
		return
	}

	log.Printf("recovery %d: spawning replacement (secondary=%d primary_of=%d)", failedID, b, c)
	wait := rc.registerWatch(failedID)
	if err := rc.spawner.Spawn(ctx, cfg.Config, n, rc.coordAddr); err != nil {
		log.Printf("recovery %d: spawn failed: %v", failedID, err)
		return
	}

	if err := wait(ctx); err != nil {
		log.Printf("recovery %d: replacement never registered: %v", failedID, err)
		return
	}
	if err := rc.registry.SetStatus(failedID, StatusRecovering); err != nil {
		log.Printf("recovery %d: %v", failedID, err)
		return
	}

	if err := rc.streamBothTables(ctx, st); err != nil {
		log.Printf("recovery %d: %v", failedID, err)
		return
	}

	if err := rc.switchPrimary(ctx, st); err != nil {
		log.Printf("recovery %d: switch failed: %v", failedID, err)
		return
	}

	if err := rc.registry.SetStatus(failedID, StatusOnline); err != nil {
		log.Printf("recovery %d: %v", failedID, err)
	}
	log.Printf("recovery %d: complete, server back online", failedID)
}

// streamBothTables sends UPDATE_PRIMARY to b (stream its secondary
// table to the replacement's new primary table) and UPDATE_SECONDARY
// to c (stream its primary table to the replacement's new secondary
// table) concurrently, failing the whole recovery if either neighbor
// reports failure. There is no retry: a second failure
// mid-recovery aborts and leaves the server RECOVERING (never ONLINE)
// for an operator to investigate.
func (rc *RecoveryCoordinator) streamBothTables(ctx context.Context, st *recoveryState) error {
	aCfg, ok := rc.registry.Get(st.failedID)
	if !ok {
		return fmt.Errorf("unknown replacement server %d", st.failedID)
	}
	bCfg, ok := rc.registry.Get(st.b)
	if !ok {
		return fmt.Errorf("unknown secondary server %d", st.b)
	}
	cCfg, ok := rc.registry.Get(st.c)
	if !ok {
		return fmt.Errorf("unknown primary-of server %d", st.c)
	}

	// Host/Port name the replacement's peer-port address: where b and
	// c should stream their entries to.
	// The group's context is canceled once Wait returns, so it is used
	// only for the two sends; the ack wait below runs under ctx.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cluster.PostJSON(gctx, "http://"+bCfg.Config.CoordAddr()+"/control",
			cluster.ControlRequest{Cmd: cluster.CmdUpdatePrimary, Host: aCfg.Config.DialHost(), Port: aCfg.Config.PeerPort}, &cluster.ControlResponse{})
	})
	g.Go(func() error {
		return cluster.PostJSON(gctx, "http://"+cCfg.Config.CoordAddr()+"/control",
			cluster.ControlRequest{Cmd: cluster.CmdUpdateSecondary, Host: aCfg.Config.DialHost(), Port: aCfg.Config.PeerPort}, &cluster.ControlResponse{})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return rc.awaitBothAcks(ctx, st)
}

// awaitBothAcks blocks until both UPDATED_PRIMARY and UPDATED_SECONDARY
// acks have arrived for this recovery, or either *_FAILED ack arrives,
// in which case recovery aborts immediately.
func (rc *RecoveryCoordinator) awaitBothAcks(ctx context.Context, st *recoveryState) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		rc.mu.Lock()
		done := st.primaryAcked && st.secondaryAcked
		aborted := st.aborted
		rc.mu.Unlock()

		if aborted {
			return fmt.Errorf("recovery aborted by UPDATE_*_FAILED ack")
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// OnAck is called from the coordinator's /ack handler. senderID is
// the id of the server that sent the ack; which recovery it belongs
// to follows from the ring: UPDATED_PRIMARY comes from the failed
// server's secondary, UPDATED_SECONDARY from its primary-of.
func (rc *RecoveryCoordinator) OnAck(senderID int, ack cluster.AckType) {
	n := rc.registry.N()
	var failedID int
	switch ack {
	case cluster.AckUpdatedPrimary, cluster.AckUpdatePrimaryFailed:
		failedID = placement.PrimaryOf(senderID, n)
	case cluster.AckUpdatedSecondary, cluster.AckUpdateSecondaryFailed:
		failedID = placement.Secondary(senderID, n)
	default:
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	st, ok := rc.inFlight[failedID]
	if !ok {
		return
	}

	switch ack {
	case cluster.AckUpdatedPrimary:
		st.primaryAcked = true
	case cluster.AckUpdatedSecondary:
		st.secondaryAcked = true
	case cluster.AckUpdatePrimaryFailed, cluster.AckUpdateSecondaryFailed:
		st.aborted = true
	}
}

// switchPrimary performs the atomic handoff: quiesce both the
// replacement and its interim primary b, tell b to stop serving as
// interim primary via SWITCH_PRIMARY, then tell the replacement its
// secondary via SET_SECONDARY, and finally lift the quiesce.
func (rc *RecoveryCoordinator) switchPrimary(ctx context.Context, st *recoveryState) error {
	aCfg, ok := rc.registry.Get(st.failedID)
	if !ok {
		return fmt.Errorf("unknown replacement server %d", st.failedID)
	}
	bCfg, ok := rc.registry.Get(st.b)
	if !ok {
		return fmt.Errorf("unknown secondary server %d", st.b)
	}

	rc.registry.SetIgnoreWrites(st.failedID, true)
	rc.registry.SetIgnoreWrites(st.b, true)
	defer rc.registry.SetIgnoreWrites(st.failedID, false)
	defer rc.registry.SetIgnoreWrites(st.b, false)

	if err := cluster.PostJSON(ctx, "http://"+bCfg.Config.CoordAddr()+"/control",
		cluster.ControlRequest{Cmd: cluster.CmdSwitchPrimary}, &cluster.ControlResponse{}); err != nil {
		return fmt.Errorf("SWITCH_PRIMARY to %d: %w", st.b, err)
	}

	if err := cluster.PostJSON(ctx, "http://"+aCfg.Config.CoordAddr()+"/control",
		cluster.ControlRequest{Cmd: cluster.CmdSetSecondary, Host: bCfg.Config.DialHost(), Port: bCfg.Config.PeerPort}, &cluster.ControlResponse{}); err != nil {
		return fmt.Errorf("SET_SECONDARY to %d: %w", st.failedID, err)
	}

	return nil
}
