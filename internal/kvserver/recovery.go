package kvserver

import (
	"context"
	"fmt"
	"log"

	"github.com/gordon-to/replikv/internal/cluster"
)

// HandleControl executes a coordinator control command and returns the
// status to answer the request with. Commands that trigger a stream
// (UPDATE_PRIMARY, UPDATE_SECONDARY) start it in a background
// goroutine and answer CTRLREQ_SUCCESS immediately; the stream's own
// completion is reported later via an ack to the coordinator, not via
// this response.
func (s *Server) HandleControl(ctx context.Context, req cluster.ControlRequest) cluster.Status {
	switch req.Cmd {
	case cluster.CmdSetSecondary:
		s.SetSecondary(req.Host, req.Port)
		s.mu.Lock()
		s.state = StateNormal
		s.mu.Unlock()
		return cluster.StatusCtrlSuccess

	case cluster.CmdUpdatePrimary:
		target := fmt.Sprintf("%s:%d", req.Host, req.Port)
		s.mu.Lock()
		s.state = StateStreamingPrimary
		s.interimPrimary = true
		s.replacementAddr = target
		s.mu.Unlock()
		// The stream outlives this control request; detach it from the
		// request's cancellation.
		go s.streamTable(context.WithoutCancel(ctx), s.Secondary, target, cluster.PrimaryTarget, cluster.AckUpdatedPrimary, cluster.AckUpdatePrimaryFailed)
		return cluster.StatusCtrlSuccess

	case cluster.CmdUpdateSecondary:
		target := fmt.Sprintf("%s:%d", req.Host, req.Port)
		s.mu.Lock()
		s.state = StateStreamingSecondary
		s.mu.Unlock()
		go s.streamTable(context.WithoutCancel(ctx), s.Primary, target, cluster.SecondaryTarget, cluster.AckUpdatedSecondary, cluster.AckUpdateSecondaryFailed)
		return cluster.StatusCtrlSuccess

	case cluster.CmdSwitchPrimary:
		s.mu.Lock()
		s.state = StateSwitchingPrimary
		s.mu.Unlock()

		// Taking the write side of quiesceMu waits out every in-flight
		// client operation, including its synchronous forward to the
		// replacement. That drain is the flush the handoff requires.
		s.quiesceMu.Lock()
		s.mu.Lock()
		s.interimPrimary = false
		s.replacementAddr = ""
		s.state = StateNormal
		s.mu.Unlock()
		s.quiesceMu.Unlock()
		return cluster.StatusCtrlSuccess

	case cluster.CmdShutdown:
		close(s.shutdown)
		return cluster.StatusCtrlSuccess

	default:
		return cluster.StatusCtrlFailure
	}
}

// readLister is the slice of storage.Store that streaming needs: an
// entry listing plus point lookups, nothing that could mutate the
// table being streamed.
type readLister interface {
	List() []cluster.Key
	Get(cluster.Key) ([]byte, error)
}

// streamTable sends every entry in source to target tagged as target
// type, then a terminating NOOP, then an ack to the coordinator. Any
// failure along the way is reported as the *_FAILED ack instead and
// the stream stops; there is no retry. A failure mid-recovery is
// unrecoverable without operator intervention.
func (s *Server) streamTable(ctx context.Context, source readLister, targetAddr string, target cluster.PeerTarget, okAck, failAck cluster.AckType) {
	ack := okAck
	if err := s.sendStream(ctx, source, targetAddr, target); err != nil {
		log.Printf("server %d: stream to %s failed: %v", s.ID, targetAddr, err)
		ack = failAck
	}

	s.mu.Lock()
	if ack == cluster.AckUpdatePrimaryFailed {
		// The replacement never got its data; keep serving the range
		// as interim primary but stop forwarding writes to it.
		s.replacementAddr = ""
	}
	s.state = StateNormal
	s.mu.Unlock()

	if err := cluster.PostJSON(ctx, "http://"+s.CoordAddr+"/ack",
		cluster.AckRequest{Type: ack, ID: s.ID}, nil); err != nil {
		log.Printf("server %d: failed to ack %s: %v", s.ID, ack, err)
	}
}

func (s *Server) sendStream(ctx context.Context, source readLister, targetAddr string, target cluster.PeerTarget) error {
	for _, key := range source.List() {
		if err := s.streamEntry(ctx, source, key, targetAddr, target); err != nil {
			return err
		}
	}

	return cluster.PostJSON(ctx, "http://"+targetAddr+"/peer",
		cluster.PeerOpRequest{Type: cluster.OpNoop, Target: target}, &cluster.PeerOpResponse{})
}

// streamEntry reads and sends one entry while holding its key lock,
// so a live forwarded write can never be overtaken by a staler
// streamed value for the same key: whichever reaches the key lock
// last also reaches the destination last.
func (s *Server) streamEntry(ctx context.Context, source readLister, key cluster.Key, targetAddr string, target cluster.PeerTarget) error {
	unlock := s.locker.Lock(key)
	defer unlock()

	value, err := source.Get(key)
	if err != nil {
		return nil // deleted between List and Get; nothing to stream
	}
	if err := cluster.PostJSON(ctx, "http://"+targetAddr+"/peer",
		cluster.PeerOpRequest{Type: cluster.OpPut, Key: key, Value: value, Target: target},
		&cluster.PeerOpResponse{}); err != nil {
		return fmt.Errorf("stream entry %s: %w", key, err)
	}
	return nil
}
