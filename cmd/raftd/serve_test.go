package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCmdRejectsInvalidConfig(t *testing.T) {
	// Defaults carry no node id.
	assert.Equal(t, 1, serveCmd([]string{"-data-dir", t.TempDir()}))
	assert.Equal(t, 1, serveCmd([]string{"-config", "/nonexistent.yaml"}))
	assert.Equal(t, 1, serveCmd([]string{"-bogus"}))
}

func testNodeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := initialConfig("127.0.0.1:0", t.TempDir())
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	return cfg
}

func TestNodeServerLifecycle(t *testing.T) {
	cfg := testNodeConfig(t)
	srv, err := newNodeServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	require.Eventually(t, srv.node.IsLeader, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.restServer.Addr() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.node.IsLeader())
}

func TestNodeServerWithoutHTTP(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.HTTP.Address = ""
	srv, err := newNodeServer(cfg)
	require.NoError(t, err)
	assert.Nil(t, srv.restServer)
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestHandleConfigReloadWithoutLeadership(t *testing.T) {
	cfg := testNodeConfig(t)
	srv, err := newNodeServer(cfg)
	require.NoError(t, err)
	defer srv.node.Stop()

	// Not started: must return without proposing anything.
	srv.handleConfigReload(cfg, cfg)
	changed := *cfg
	changed.Cluster.Peers = append([]config.PeerConfig{}, cfg.Cluster.Peers...)
	changed.Cluster.Peers[0].Voting = false
	srv.handleConfigReload(cfg, &changed)
	assert.Equal(t, "stopped", srv.node.Status().State)
}
