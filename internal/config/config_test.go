package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "7f9c6b1e-4a57-4c3e-9a8e-1d2f3b4c5d6e"
	idB = "0b6f2f0c-1d9e-4f4a-8a3c-2e5d6f7a8b9c"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Node.ID = idA
	cfg.Node.DataDir = "/tmp/raftd"
	cfg.Cluster = ClusterConfig{
		Bootstrap: true,
		Peers: []PeerConfig{
			{ID: idA, Address: "127.0.0.1:7000", Voting: true},
			{ID: idB, Address: "127.0.0.1:7001", Voting: true},
		},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":7000", cfg.Node.Address)
	assert.Equal(t, 10*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, 1024, cfg.Raft.SnapshotThreshold)
	assert.Equal(t, 200, cfg.Raft.SnapshotTrailing)
	assert.Equal(t, 100000, cfg.Raft.AppendRequestThreshold)
	assert.Equal(t, 5000, cfg.Raft.MaxLogSize)
	assert.True(t, cfg.Raft.EnablePrevoting)
	assert.False(t, cfg.ZooKeeper.Enabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Raft.ToRaftConfig().Validate())
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
node:
  id: ` + idA + `
  address: 10.0.0.1:7000
  dataDir: /data
cluster:
  bootstrap: true
  peers:
    - id: ` + idA + `
      address: 10.0.0.1:7000
      voting: true
    - id: ` + idB + `
      address: 10.0.0.2:7000
raft:
  tickInterval: 20ms
  electionTimeout: 20
  snapshotThreshold: 64
zookeeper:
  servers: ["10.0.0.10:2181", "10.0.0.11:2181"]
  sessionTimeout: 3s
http:
  address: 127.0.0.1:9090
logging:
  level: debug
  format: text
`)

	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, idA, cfg.Node.ID)
	assert.Equal(t, "/data", cfg.Node.DataDir)
	require.Len(t, cfg.Cluster.Peers, 2)
	assert.True(t, cfg.Cluster.Peers[0].Voting)
	assert.False(t, cfg.Cluster.Peers[1].Voting)
	assert.Equal(t, 20*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, 20, cfg.Raft.ElectionTimeout)
	assert.Equal(t, 64, cfg.Raft.SnapshotThreshold)
	// Unset values keep their defaults.
	assert.Equal(t, 2, cfg.Raft.HeartbeatInterval)
	assert.Equal(t, "/raftkit", cfg.ZooKeeper.Root)
	assert.Equal(t, 3*time.Second, cfg.ZooKeeper.SessionTimeout)
	assert.True(t, cfg.ZooKeeper.Enabled())
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Empty(t, ValidateConfig(cfg))
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("node:\n  name: a\n"))
	assert.ErrorIs(t, err, ErrInvalidYAML)

	_, err = ParseConfig([]byte("node: [\n"))
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestEnvironmentVariableSubstitution(t *testing.T) {
	t.Setenv("RAFTD_TEST_ID", idB)
	t.Setenv("RAFTD_TEST_EMPTY", "")

	cfg, err := ParseConfig([]byte(`
node:
  id: ${RAFTD_TEST_ID}
  dataDir: ${RAFTD_TEST_EMPTY:-/var/lib/fallback}
logging:
  level: ${RAFTD_TEST_UNSET:-warn}
`))
	require.NoError(t, err)
	assert.Equal(t, idB, cfg.Node.ID)
	assert.Equal(t, "/var/lib/fallback", cfg.Node.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raftd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: "+idA+"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, idA, cfg.Node.ID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"bad node id", func(c *Config) { c.Node.ID = "node-1" }, "node.id"},
		{"bad address", func(c *Config) { c.Node.Address = "localhost" }, "node.address"},
		{"no data dir", func(c *Config) { c.Node.DataDir = "" }, "node.dataDir"},
		{"bad peer id", func(c *Config) { c.Cluster.Peers[1].ID = "x" }, "cluster.peers[1].id"},
		{"duplicate peer", func(c *Config) { c.Cluster.Peers[1].ID = idA }, "cluster.peers[1].id"},
		{"bad peer address", func(c *Config) { c.Cluster.Peers[0].Address = "nope" }, "cluster.peers[0].address"},
		{"bootstrap without voters", func(c *Config) {
			c.Cluster.Peers[0].Voting = false
			c.Cluster.Peers[1].Voting = false
		}, "cluster.peers"},
		{"bootstrap without self", func(c *Config) { c.Cluster.Peers = c.Cluster.Peers[1:] }, "cluster.peers"},
		{"bad raft tunables", func(c *Config) { c.Raft.HeartbeatInterval = c.Raft.ElectionTimeout }, "raft"},
		{"small log", func(c *Config) { c.Raft.MaxLogSize = c.Raft.SnapshotTrailing }, "raft"},
		{"bad rpc timeout", func(c *Config) { c.Raft.RPCTimeout = 0 }, "raft.rpcTimeout"},
		{"bad zk root", func(c *Config) {
			c.ZooKeeper.Servers = []string{"127.0.0.1:2181"}
			c.ZooKeeper.Root = "raftkit"
		}, "zookeeper.root"},
		{"bad zk server", func(c *Config) { c.ZooKeeper.Servers = []string{"zk"} }, "zookeeper.servers[0]"},
		{"bad http address", func(c *Config) { c.HTTP.Address = "8080" }, "http.address"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"relative log output", func(c *Config) { c.Logging.Output = "raftd.log" }, "logging.output"},
	}

	assert.Empty(t, ValidateConfig(validConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			errs := ValidateConfig(cfg)
			require.NotEmpty(t, errs)
			var fields []string
			for _, err := range errs {
				var verr ValidationError
				require.ErrorAs(t, err, &verr)
				fields = append(fields, verr.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestClusterMembers(t *testing.T) {
	members, err := validConfig().Cluster.Members()
	require.NoError(t, err)
	require.Len(t, members, 2)

	a, err := raft.ParseServerID(idA)
	require.NoError(t, err)
	assert.Equal(t, a, members[0].ID)
	assert.True(t, members[0].Voting)
	assert.Equal(t, []byte("127.0.0.1:7000"), members[0].Info)

	bad := ClusterConfig{Peers: []PeerConfig{{ID: "x"}}}
	_, err = bad.Members()
	assert.Error(t, err)
}

func TestToLogging(t *testing.T) {
	lc := LogConfig{Level: "debug", Format: "text", Output: "stderr"}.ToLogging()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "text", lc.Format)
	assert.Equal(t, "stderr", lc.Output)
}

func TestPeersChanged(t *testing.T) {
	a, b := validConfig(), validConfig()
	assert.False(t, PeersChanged(a, b))

	b.Cluster.Peers[1].Voting = false
	assert.True(t, PeersChanged(a, b))

	b = validConfig()
	b.Cluster.Peers = b.Cluster.Peers[:1]
	assert.True(t, PeersChanged(a, b))
}

func TestPeerWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raftd.yaml")
	write := func(level string, peers ...string) {
		data := "node:\n  id: " + idA + "\n  dataDir: /tmp/raftd\nlogging:\n  level: " + level + "\n"
		if len(peers) > 0 {
			data += "cluster:\n  peers:\n"
			for i, id := range peers {
				data += "    - id: " + id + "\n      address: 127.0.0.1:700" + string(rune('0'+i)) + "\n      voting: true\n"
			}
		}
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	}
	write("info", idA)

	changes := make(chan *Config, 4)
	w, err := WatchPeers(WatcherConfig{
		FilePath:      path,
		Debounce:      10 * time.Millisecond,
		OnPeersChange: func(_, newCfg *Config) { changes <- newCfg },
	})
	require.NoError(t, err)
	defer w.Close()

	// Invalid files are skipped.
	write("verbose", idA, idB)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, changes)
	assert.Equal(t, "info", w.Current().Logging.Level)

	// Other settings are picked up without a peer change being reported.
	write("debug", idA)
	require.Eventually(t, func() bool { return w.Current().Logging.Level == "debug" }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, changes)

	write("debug", idA, idB)
	select {
	case cfg := <-changes:
		require.Len(t, cfg.Cluster.Peers, 2)
		assert.Equal(t, idB, cfg.Cluster.Peers[1].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("peer change not reported")
	}
}

func TestPeerWatcherReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raftd.yaml")
	base := "node:\n  id: " + idA + "\n  dataDir: /tmp/raftd\n"
	require.NoError(t, os.WriteFile(path, []byte(base), 0644))

	changes := make(chan *Config, 1)
	w, err := WatchPeers(WatcherConfig{
		FilePath:      path,
		Debounce:      10 * time.Millisecond,
		OnPeersChange: func(_, newCfg *Config) { changes <- newCfg },
	})
	require.NoError(t, err)
	defer w.Close()

	// Editors save by writing a temporary file and renaming it over the old one.
	tmp := filepath.Join(dir, ".raftd.yaml.swp")
	data := base + "cluster:\n  peers:\n    - id: " + idA + "\n      address: 127.0.0.1:7000\n      voting: true\n"
	require.NoError(t, os.WriteFile(tmp, []byte(data), 0644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case cfg := <-changes:
		assert.Len(t, cfg.Cluster.Peers, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced file not reloaded")
	}
}

func TestPeerWatcherErrors(t *testing.T) {
	_, err := WatchPeers(WatcherConfig{OnPeersChange: func(_, _ *Config) {}})
	assert.ErrorIs(t, err, ErrMissingConfigFile)

	_, err = WatchPeers(WatcherConfig{FilePath: "x.yaml"})
	assert.ErrorIs(t, err, ErrMissingOnChange)

	_, err = WatchPeers(WatcherConfig{
		FilePath:      filepath.Join(t.TempDir(), "missing.yaml"),
		OnPeersChange: func(_, _ *Config) {},
	})
	assert.Error(t, err)
}
