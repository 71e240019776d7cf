// Command server runs one key-value server: it serves client GET/PUT,
// forwards writes to its secondary partner, answers control commands
// from the coordinator, and takes part in recovery streaming when
// asked.
//
// Required flags: -id, -n, -client-port, -peer-port, -coord-port,
// -coordinator. Optional: -l (log file path).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordon-to/replikv/internal/cluster"
	"github.com/gordon-to/replikv/internal/kvserver"
)

const heartbeatInterval = time.Second

func main() {
	id := flag.Int("id", -1, "this server's id in [0,N) (required)")
	n := flag.Int("n", 0, "number of servers in the ring (required)")
	clientPort := flag.Int("client-port", 0, "port clients dial for GET/PUT (required)")
	peerPort := flag.Int("peer-port", 0, "port the secondary partner dials for replication (required)")
	coordPort := flag.Int("coord-port", 0, "port the coordinator dials for control commands (required)")
	coordAddr := flag.String("coordinator", "", "coordinator's register/heartbeat/ack address, host:port (required)")
	host := flag.String("host", "localhost", "address other servers and the coordinator use to reach this server")
	logPath := flag.String("l", "", "log file path (default stdout)")
	flag.Parse()

	if *id < 0 || *n <= 0 || *clientPort == 0 || *peerPort == 0 || *coordPort == 0 || *coordAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: server -id N -n N -client-port N -peer-port N -coord-port N -coordinator HOST:PORT [-host HOST] [-l PATH]")
		os.Exit(1)
	}
	if *id >= *n {
		fmt.Fprintf(os.Stderr, "id %d must be less than n %d\n", *id, *n)
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

	srv := kvserver.NewServer(*id, *n, *coordAddr)

	mux := http.NewServeMux()
	srv.RegisterHandlers(mux)

	listenAddrs := map[string]int{
		"client": *clientPort,
		"peer":   *peerPort,
		"coord":  *coordPort,
	}
	httpServers := make([]*http.Server, 0, 3)
	for name, port := range listenAddrs {
		s := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		httpServers = append(httpServers, s)
		go func(name string, port int, s *http.Server) {
			log.Printf("server %d: %s channel listening on :%d", *id, name, port)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("%s listen: %v", name, err)
			}
		}(name, port, s)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	go srv.StartHeartbeat(heartbeatCtx, heartbeatInterval)

	register(context.Background(), *coordAddr, cluster.ServerConfig{
		ID:         *id,
		Host:       *host,
		ClientPort: *clientPort,
		PeerPort:   *peerPort,
		CoordPort:  *coordPort,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case <-srv.ShutdownRequested():
		log.Printf("server %d: SHUTDOWN received from coordinator", *id)
	}

	cancelHeartbeat()
	srv.StopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range httpServers {
		_ = s.Shutdown(ctx)
	}
	log.Printf("server %d: stopped", *id)
}

// register sends this server's configuration to the coordinator,
// retrying with a fixed backoff to ride out a coordinator that is
// still starting up.
func register(ctx context.Context, coordAddr string, cfg cluster.ServerConfig) {
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, "http://"+coordAddr+"/register", cluster.RegisterRequest{Config: cfg}, nil)
		if lastErr == nil {
			log.Printf("server %d: registered with coordinator @ %s", cfg.ID, coordAddr)
			return
		}
		log.Printf("server %d: register retry %d: %v", cfg.ID, i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	log.Fatalf("server %d: failed to register with coordinator: %v", cfg.ID, lastErr)
}
