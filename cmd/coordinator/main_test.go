package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gordon-to/replikv/internal/cluster"
	"github.com/gordon-to/replikv/internal/coordinator"
	"github.com/gordon-to/replikv/internal/placement"
)

// stubSpawner records spawn requests and immediately reports the
// spawned server as registered, standing in for a real server process
// that would POST /register once its listeners are up.
type stubSpawner struct {
	srv *controlServer

	mu     sync.Mutex
	spawns []int
}

func (s *stubSpawner) Spawn(ctx context.Context, cfg cluster.ServerConfig, n int, coordAddr string) error {
	s.mu.Lock()
	s.spawns = append(s.spawns, cfg.ID)
	s.mu.Unlock()
	go s.srv.notifyRegistered(cfg.ID)
	return nil
}

// controlEndpointStub answers /control with CTRLREQ_SUCCESS and
// records every request it received.
func controlEndpointStub(t *testing.T) (*httptest.Server, func() []cluster.ControlRequest) {
	t.Helper()
	var mu sync.Mutex
	var received []cluster.ControlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ControlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		received = append(received, req)
		mu.Unlock()
		json.NewEncoder(w).Encode(cluster.ControlResponse{Status: cluster.StatusCtrlSuccess})
	}))
	t.Cleanup(srv.Close)
	snapshot := func() []cluster.ControlRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.ControlRequest(nil), received...)
	}
	return srv, snapshot
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	i := strings.LastIndex(u.Host, ":")
	require.Greater(t, i, -1)
	port, err := strconv.Atoi(u.Host[i+1:])
	require.NoError(t, err)
	return u.Host[:i], port
}

func localConfigs() []cluster.ServerConfig {
	return []cluster.ServerConfig{
		{ID: 0, Host: "localhost", ClientPort: 9000, PeerPort: 9001, CoordPort: 9002},
		{ID: 1, Host: "localhost", ClientPort: 9010, PeerPort: 9011, CoordPort: 9012},
		{ID: 2, Host: "localhost", ClientPort: 9020, PeerPort: 9021, CoordPort: 9022},
	}
}

func newTestControlServer(configs []cluster.ServerConfig) (*controlServer, *stubSpawner) {
	registry := coordinator.NewServerRegistry(configs)
	health := coordinator.NewHealthMonitor(time.Hour, time.Hour)
	spawner := &stubSpawner{}
	srv := newControlServer(registry, health, spawner, "coordinator.test:0")
	spawner.srv = srv
	return srv, spawner
}

// keyOwnedBy searches for a key that hashes to owner under n servers.
func keyOwnedBy(t *testing.T, owner, n int) cluster.Key {
	t.Helper()
	for b := 0; b < 1<<16; b++ {
		var k cluster.Key
		k[0], k[1] = byte(b), byte(b>>8)
		if placement.Owner(k, n) == owner {
			return k
		}
	}
	t.Fatalf("no key found owned by %d of %d", owner, n)
	return cluster.Key{}
}

func postLocate(t *testing.T, srv *controlServer, key cluster.Key) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(cluster.LocateRequest{Key: key})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/locate", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.handleLocate(rec, req)
	return rec
}

func TestHandleLocateRoutesToOwner(t *testing.T) {
	configs := localConfigs()
	srv, _ := newTestControlServer(configs)

	for _, cfg := range configs {
		rec := postLocate(t, srv, keyOwnedBy(t, cfg.ID, len(configs)))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp cluster.LocateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, cfg.ClientPort, resp.Port)
	}
}

func TestHandleLocateRedirectsWhenOwnerFailed(t *testing.T) {
	configs := localConfigs()
	srv, _ := newTestControlServer(configs)

	key := keyOwnedBy(t, 0, len(configs))
	require.NoError(t, srv.registry.SetStatus(0, coordinator.StatusFailed))

	rec := postLocate(t, srv, key)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp cluster.LocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, configs[1].ClientPort, resp.Port, "locate must redirect to secondary(0) == 1 while 0 is FAILED")
}

func TestHandleLocateWaitsOutSwitch(t *testing.T) {
	configs := localConfigs()
	srv, _ := newTestControlServer(configs)

	key := keyOwnedBy(t, 2, len(configs))
	require.NoError(t, srv.registry.SetIgnoreWrites(2, true))

	cleared := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.registry.SetIgnoreWrites(2, false)
		close(cleared)
	}()

	start := time.Now()
	rec := postLocate(t, srv, key)
	<-cleared

	require.Equal(t, http.StatusOK, rec.Code, "locate must succeed once the switch clears, not fail into it")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "locate must hold until the quiesce lifts")

	var resp cluster.LocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, configs[2].ClientPort, resp.Port)
}

func TestHandleLocateRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestControlServer(localConfigs())

	req := httptest.NewRequest(http.MethodPost, "/locate", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.handleLocate(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegisterNotifiesArmedWatch(t *testing.T) {
	configs := localConfigs()
	srv, _ := newTestControlServer(configs)

	wait := srv.registerWatch(1)

	newCfg := configs[1]
	newCfg.ClientPort = 9999
	raw, err := json.Marshal(cluster.RegisterRequest{Config: newCfg})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.handleRegister(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wait(ctx), "an armed watch must unblock on registration")

	entry, ok := srv.registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, 9999, entry.Config.ClientPort, "registration must replace the advertised config")
}

func TestHandleHeartbeat(t *testing.T) {
	srv, _ := newTestControlServer(localConfigs())

	raw, err := json.Marshal(cluster.HeartbeatRequest{ID: 1})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.handleHeartbeat(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	srv.handleHeartbeat(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootstrapSpawnsAllAndBroadcastsSetSecondary(t *testing.T) {
	stub0, recv0 := controlEndpointStub(t)
	stub1, recv1 := controlEndpointStub(t)
	stub2, recv2 := controlEndpointStub(t)

	configs := localConfigs()
	for i, s := range []*httptest.Server{stub0, stub1, stub2} {
		configs[i].Host, configs[i].CoordPort = hostPort(t, s.URL)
	}

	srv, spawner := newTestControlServer(configs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.bootstrap(ctx, configs, spawner, "coordinator.test:0")

	spawner.mu.Lock()
	spawns := append([]int(nil), spawner.spawns...)
	spawner.mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, spawns, "bootstrap must spawn every configured server in id order")

	for i, recv := range []func() []cluster.ControlRequest{recv0, recv1, recv2} {
		got := recv()
		require.Len(t, got, 1, "server %d should receive exactly one bootstrap command", i)
		assert.Equal(t, cluster.CmdSetSecondary, got[0].Cmd)

		secCfg := configs[placement.Secondary(i, len(configs))]
		assert.Equal(t, secCfg.DialHost(), got[0].Host)
		assert.Equal(t, secCfg.PeerPort, got[0].Port)
	}
}

func TestBroadcastShutdownReachesEveryServer(t *testing.T) {
	stub0, recv0 := controlEndpointStub(t)
	stub1, recv1 := controlEndpointStub(t)
	stub2, recv2 := controlEndpointStub(t)

	configs := localConfigs()
	for i, s := range []*httptest.Server{stub0, stub1, stub2} {
		configs[i].Host, configs[i].CoordPort = hostPort(t, s.URL)
	}

	srv, _ := newTestControlServer(configs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.broadcastShutdown(ctx)

	for i, recv := range []func() []cluster.ControlRequest{recv0, recv1, recv2} {
		got := recv()
		require.Len(t, got, 1, "server %d should receive exactly one SHUTDOWN", i)
		assert.Equal(t, cluster.CmdShutdown, got[0].Cmd)
	}
}

func TestWatchEOFClosesChannel(t *testing.T) {
	eof := make(chan struct{})
	go watchEOF(strings.NewReader("trailing input then eof"), eof)

	select {
	case <-eof:
	case <-time.After(time.Second):
		t.Fatal("watchEOF did not close the channel at end of input")
	}
}
