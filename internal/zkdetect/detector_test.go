package zkdetect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestDetectorUpdate(t *testing.T) {
	self, other := raft.NewServerID(), raft.NewServerID()
	var reported []raft.ServerID
	d := &Detector{
		self:     self,
		alive:    make(map[raft.ServerID]struct{}),
		onChange: func(alive []raft.ServerID) { reported = alive },
	}

	assert.True(t, d.IsAlive(self))
	assert.False(t, d.IsAlive(other))

	missing := d.update([]string{other.String(), "not-a-server"})
	assert.True(t, missing)
	assert.True(t, d.IsAlive(other))
	assert.Equal(t, []raft.ServerID{other}, reported)

	missing = d.update([]string{self.String()})
	assert.False(t, missing)
	assert.False(t, d.IsAlive(other))
	assert.ElementsMatch(t, []raft.ServerID{self}, d.Alive())
}

// startZooKeeper runs a ZooKeeper container and returns its address.
func startZooKeeper(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "zookeeper:3.8",
			ExposedPorts: []string{"2181/tcp"},
			WaitingFor:   wait.ForListeningPort("2181/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "2181")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestDetectorWithZooKeeper(t *testing.T) {
	addr := startZooKeeper(t)
	a, b := raft.NewServerID(), raft.NewServerID()
	cfg := Config{Servers: []string{addr}, Root: "/raftkit/test", SessionTimeout: 4 * time.Second}

	da, err := New(cfg, a)
	require.NoError(t, err)
	defer da.Close()

	db, err := New(cfg, b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return da.IsAlive(b) && db.IsAlive(a)
	}, 10*time.Second, 50*time.Millisecond)

	// Closing the session removes the ephemeral znode.
	db.Close()
	require.Eventually(t, func() bool {
		return !da.IsAlive(b)
	}, 10*time.Second, 50*time.Millisecond)
	assert.True(t, da.IsAlive(a))
}
