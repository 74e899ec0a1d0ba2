package raft

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// mockStateMachine records applied commands.
type mockStateMachine struct {
	mu        sync.Mutex
	applied   []Command
	failures  int
	snapFails int
	snapshots int
	loads     int
}

func newMockStateMachine() *mockStateMachine {
	return &mockStateMachine{}
}

func (m *mockStateMachine) Apply(_ context.Context, cmds []Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("apply failed")
	}
	m.applied = append(m.applied, cmds...)
	return nil
}

func (m *mockStateMachine) TakeSnapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapFails > 0 {
		m.snapFails--
		return nil, errors.New("snapshot failed")
	}
	m.snapshots++
	return json.Marshal(m.applied)
}

func (m *mockStateMachine) LoadSnapshot(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	var applied []Command
	if len(data) > 0 {
		if err := json.Unmarshal(data, &applied); err != nil {
			return err
		}
	}
	m.applied = applied
	return nil
}

// failSnapshots makes the next n TakeSnapshot calls fail.
func (m *mockStateMachine) failSnapshots(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapFails = n
}

// failNext makes the next n Apply calls fail.
func (m *mockStateMachine) failNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *mockStateMachine) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.applied))
	for i, c := range m.applied {
		out[i] = string(c)
	}
	return out
}

func (m *mockStateMachine) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots
}

func (m *mockStateMachine) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// testConfig returns a config with short ticks for cluster tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

// testCluster runs servers connected through an InMemoryNetwork.
type testCluster struct {
	t       *testing.T
	cfg     Config
	manual  bool
	network *InMemoryNetwork
	ids     []ServerID
	servers map[ServerID]*Server
	sms     map[ServerID]*mockStateMachine
	stores  map[ServerID]*MemoryPersistence
}

// newTestCluster bootstraps n voters. With manual set, servers only advance
// time through Tick and ElapseElection.
func newTestCluster(t *testing.T, n int, manual bool, cfg Config) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		cfg:     cfg,
		manual:  manual,
		network: NewInMemoryNetwork(),
		servers: make(map[ServerID]*Server),
		sms:     make(map[ServerID]*mockStateMachine),
		stores:  make(map[ServerID]*MemoryPersistence),
	}
	for i := 0; i < n; i++ {
		c.ids = append(c.ids, NewServerID())
	}
	conf := NewConfiguration(c.ids...)
	for _, id := range c.ids {
		p := NewMemoryPersistence()
		require.NoError(t, Bootstrap(p, conf))
		c.stores[id] = p
		c.sms[id] = newMockStateMachine()
	}
	t.Cleanup(c.stopAll)
	return c
}

// addServer creates persistence for a server that is not part of the
// bootstrap configuration. It joins through SetConfiguration.
func (c *testCluster) addServer() ServerID {
	id := NewServerID()
	c.ids = append(c.ids, id)
	c.stores[id] = NewMemoryPersistence()
	c.sms[id] = newMockStateMachine()
	return id
}

func (c *testCluster) start(id ServerID) *Server {
	c.t.Helper()
	opts := []Option{}
	if c.manual {
		opts = append(opts, WithClock(ManualClock{}))
	}
	srv, err := NewServer(id, c.cfg, c.stores[id], c.network.NewTransport(id), c.sms[id], opts...)
	require.NoError(c.t, err)
	require.NoError(c.t, srv.Start(context.Background()))
	c.servers[id] = srv
	return srv
}

func (c *testCluster) startAll() {
	for _, id := range c.ids {
		c.start(id)
	}
}

func (c *testCluster) stop(id ServerID) {
	if srv, ok := c.servers[id]; ok {
		srv.Abort()
		delete(c.servers, id)
	}
}

func (c *testCluster) stopAll() {
	for id := range c.servers {
		c.stop(id)
	}
}

// restart aborts a server and starts a new instance on the same persistence
// and state machine.
func (c *testCluster) restart(id ServerID) *Server {
	c.stop(id)
	c.sms[id] = newMockStateMachine()
	return c.start(id)
}

// leaders returns the running servers that believe they lead.
func (c *testCluster) leaders() []*Server {
	var out []*Server
	for _, srv := range c.servers {
		if srv.IsLeader() {
			out = append(out, srv)
		}
	}
	return out
}

// waitLeader waits until exactly one running server leads, among the given
// candidates if any.
func (c *testCluster) waitLeader(among ...ServerID) *Server {
	c.t.Helper()
	var leader *Server
	require.Eventually(c.t, func() bool {
		ls := c.leaders()
		if len(among) > 0 {
			ls = filterServers(ls, among)
		}
		if len(ls) != 1 {
			return false
		}
		leader = ls[0]
		return true
	}, waitFor, 5*time.Millisecond, "no single leader elected")
	return leader
}

func filterServers(servers []*Server, ids []ServerID) []*Server {
	var out []*Server
	for _, srv := range servers {
		for _, id := range ids {
			if srv.ID() == id {
				out = append(out, srv)
			}
		}
	}
	return out
}

// elect makes id campaign and waits until it leads. Manual clusters only.
func (c *testCluster) elect(id ServerID) *Server {
	c.t.Helper()
	srv := c.servers[id]
	srv.ElapseElection()
	require.Eventually(c.t, srv.IsLeader, waitFor, time.Millisecond, "server did not win the election")
	return srv
}

// tick advances logical time on every running server.
func (c *testCluster) tick(n int) {
	for i := 0; i < n; i++ {
		for _, srv := range c.servers {
			srv.Tick()
		}
	}
}

// waitApplied waits until every running server applied index.
func (c *testCluster) waitApplied(index Index) {
	c.t.Helper()
	for _, srv := range c.servers {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		err := srv.WaitApplied(ctx, index)
		cancel()
		require.NoError(c.t, err, "server %s did not apply %d", srv.ID(), index)
	}
}

func (c *testCluster) followers(leader *Server) []*Server {
	var out []*Server
	for _, srv := range c.servers {
		if srv != leader {
			out = append(out, srv)
		}
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}
