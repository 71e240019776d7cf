// Command coordinator runs the control plane for a replikv cluster: it
// answers client LOCATE requests, tracks server liveness over pushed
// heartbeats, and drives the online-recovery protocol when a server
// goes stale.
//
// Required flags: -client-port, -peer-port, -config. Optional:
// -timeout (detector staleness threshold, default 3s), -l (log file).
//
// EOF on standard input triggers a graceful SHUTDOWN broadcast to
// every server before the coordinator exits.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/gordon-to/replikv/internal/cluster"
	"github.com/gordon-to/replikv/internal/coordinator"
	"github.com/gordon-to/replikv/internal/placement"
)

func main() {
	host := flag.String("host", "localhost", "address servers use to reach this coordinator")
	clientPort := flag.Int("client-port", 0, "port clients dial for LOCATE requests (required)")
	peerPort := flag.Int("peer-port", 0, "port servers dial for register/heartbeat/ack (required)")
	configPath := flag.String("config", "", "server list config file (required)")
	timeout := flag.Duration("timeout", 3*time.Second, "heartbeat staleness threshold")
	logPath := flag.String("l", "", "log file path (default stdout)")
	binaryPath := flag.String("server-binary", "server", "path to the server executable used for recovery spawns")
	flag.Parse()

	if *clientPort == 0 || *peerPort == 0 || *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: coordinator -client-port N -peer-port N -config PATH [-timeout D] [-l PATH] [-server-binary PATH]")
		os.Exit(1)
	}
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		log.SetOutput(f)
	} else {
		log.SetOutput(os.Stdout)
	}

	configs, err := coordinator.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	registry := coordinator.NewServerRegistry(configs)
	health := coordinator.NewHealthMonitor(time.Second, *timeout)
	spawner := coordinator.ExecSpawner{BinaryPath: *binaryPath}

	listenAddr := fmt.Sprintf(":%d", *peerPort)
	advertiseAddr := fmt.Sprintf("%s:%d", *host, *peerPort)
	srv := newControlServer(registry, health, spawner, advertiseAddr)

	health.SetOnStale(func(id int) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.recovery.HandleFailure(ctx, id)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/heartbeat", srv.handleHeartbeat)
	mux.HandleFunc("/ack", srv.handleAck)
	mux.HandleFunc("/nodes", srv.handleNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	clientMux := http.NewServeMux()
	clientMux.HandleFunc("/locate", srv.handleLocate)

	peerHTTP := &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	clientHTTP := &http.Server{Addr: fmt.Sprintf(":%d", *clientPort), Handler: clientMux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancelHealth := context.WithCancel(context.Background())
	go health.Start(ctx)

	go func() {
		log.Printf("coordinator: server channel listening on %s (advertised as %s)", listenAddr, advertiseAddr)
		if err := peerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("peer listen: %v", err)
		}
	}()
	go func() {
		log.Printf("coordinator: client channel listening on :%d", *clientPort)
		if err := clientHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("client listen: %v", err)
		}
	}()

	// Spawn every configured server and wait for all of them to
	// register before the startup SET_SECONDARY broadcast, mirroring
	// init_servers() in mserver.c.
	go srv.bootstrap(context.Background(), configs, spawner, advertiseAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	eof := make(chan struct{})
	go watchEOF(os.Stdin, eof)

	select {
	case <-stop:
	case <-eof:
		log.Println("coordinator: EOF on stdin, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.broadcastShutdown(shutdownCtx)

	cancelHealth()
	health.Stop()
	_ = peerHTTP.Shutdown(shutdownCtx)
	_ = clientHTTP.Shutdown(shutdownCtx)
	log.Println("coordinator stopped")
}

// watchEOF closes eof once in reaches EOF. main points it at standard
// input, the coordinator's documented graceful-shutdown trigger.
func watchEOF(in io.Reader, eof chan struct{}) {
	r := bufio.NewReader(in)
	for {
		if _, err := r.ReadByte(); err != nil {
			close(eof)
			return
		}
	}
}

// controlServer answers the coordinator's own HTTP endpoints and owns
// the registration-wait channels the recovery coordinator blocks on.
type controlServer struct {
	registry *coordinator.ServerRegistry
	health   *coordinator.HealthMonitor
	recovery *coordinator.RecoveryCoordinator

	mu      sync.Mutex
	waiters map[int][]chan struct{}
}

func newControlServer(registry *coordinator.ServerRegistry, health *coordinator.HealthMonitor, spawner coordinator.Spawner, coordAddr string) *controlServer {
	s := &controlServer{
		registry: registry,
		health:   health,
		waiters:  make(map[int][]chan struct{}),
	}
	s.recovery = coordinator.NewRecoveryCoordinator(registry, health, spawner, coordAddr, s.registerWatch)
	return s
}

// registerWatch arms a waiter for server id's next registration and
// returns the blocking wait. The waiter must be armed before the
// server is spawned; a registration that lands first would otherwise
// find no waiter and be lost.
func (s *controlServer) registerWatch(id int) func(ctx context.Context) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	return func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *controlServer) notifyRegistered(id int) {
	s.mu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (s *controlServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.ReplaceConfig(req.Config.ID, req.Config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.health.Touch(req.Config.ID)
	s.notifyRegistered(req.Config.ID)
	log.Printf("coordinator: server %d registered at %s", req.Config.ID, req.Config.Host)
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.health.Touch(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) handleAck(w http.ResponseWriter, r *http.Request) {
	var req cluster.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.recovery.OnAck(req.ID, req.Type)
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) handleLocate(w http.ResponseWriter, r *http.Request) {
	var req cluster.LocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	n := s.registry.N()
	owner := placement.Owner(req.Key, n)
	secondaryOf := placement.Secondary(owner, n)

	// A shard mid-switch is quiesced: hold the locate until the
	// handoff clears instead of routing the client into it. The
	// switch is a handful of round-trips, so the wait is short; if it
	// wedges, the client gets an error and retries.
	cfg, routable := s.registry.LocateOwner(owner, secondaryOf)
	deadline := time.Now().Add(2 * time.Second)
	for !routable && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		cfg, routable = s.registry.LocateOwner(owner, secondaryOf)
	}
	if !routable {
		http.Error(w, "shard unavailable", http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(cluster.LocateResponse{Host: cfg.DialHost(), Port: cfg.ClientPort})
}

func (s *controlServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.All())
}

// bootstrap spawns every configured server, waits for each to
// register, then broadcasts SET_SECONDARY to the whole ring;
// init_servers() in mserver.c does the same at cluster startup, not
// only during recovery.
func (s *controlServer) bootstrap(ctx context.Context, configs []cluster.ServerConfig, spawner coordinator.Spawner, coordAddr string) {
	n := len(configs)
	waits := make([]func(context.Context) error, len(configs))
	for i, cfg := range configs {
		waits[i] = s.registerWatch(cfg.ID)
	}
	for _, cfg := range configs {
		if err := spawner.Spawn(ctx, cfg, n, coordAddr); err != nil {
			log.Printf("coordinator: failed to spawn server %d: %v", cfg.ID, err)
			return
		}
	}
	for i, cfg := range configs {
		if err := waits[i](ctx); err != nil {
			log.Printf("coordinator: server %d never registered at bootstrap: %v", cfg.ID, err)
			return
		}
	}

	for _, cfg := range configs {
		entry, ok := s.registry.Get(cfg.ID)
		if !ok {
			continue
		}
		secID := placement.Secondary(cfg.ID, n)
		secEntry, ok := s.registry.Get(secID)
		if !ok {
			continue
		}
		err := cluster.PostJSON(ctx, "http://"+entry.Config.CoordAddr()+"/control",
			cluster.ControlRequest{Cmd: cluster.CmdSetSecondary, Host: secEntry.Config.DialHost(), Port: secEntry.Config.PeerPort},
			&cluster.ControlResponse{})
		if err != nil {
			log.Printf("coordinator: SET_SECONDARY to %d failed: %v", cfg.ID, err)
		}
	}
	log.Println("coordinator: cluster bootstrap complete")
}

// broadcastShutdown sends SHUTDOWN to every known server, all sends
// bounded by ctx; it does not wait for the servers to exit. Servers
// are shut down in id order so the log reads the same way on every
// run.
func (s *controlServer) broadcastShutdown(ctx context.Context) {
	all := s.registry.All()
	ids := make([]int, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		entry := all[id]
		err := cluster.PostJSON(ctx, "http://"+entry.Config.CoordAddr()+"/control",
			cluster.ControlRequest{Cmd: cluster.CmdShutdown}, &cluster.ControlResponse{})
		if err != nil {
			log.Printf("coordinator: SHUTDOWN to %d failed: %v", id, err)
		}
	}
}
