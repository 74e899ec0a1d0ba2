// Package cluster hosts a raft server with its production collaborators:
// file persistence, TCP transport, the ZooKeeper failure detector and the
// key/value state machine.
package cluster

import (
	"context"
	"sync"

	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/KilimcininKorOglu/raftkit/internal/kvstore"
	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/KilimcininKorOglu/raftkit/internal/zkdetect"
	"github.com/pkg/errors"
)

// Node is one member of a replicated key/value group. Writes go through the
// raft log; reads are served from the local store, optionally behind a read
// barrier.
type Node struct {
	cfg         *config.Config
	id          raft.ServerID
	logger      logging.Logger
	store       *kvstore.Store
	persistence *raft.FilePersistence
	transport   *raft.RPCTransport
	detector    *zkdetect.Detector
	server      *raft.Server

	// Callbacks
	onLeaderChange func(isLeader bool)

	mu      sync.RWMutex
	stopped bool
}

// Option configures a Node.
type Option func(*Node)

// WithLeaderChange sets a callback run when this node gains or loses
// leadership.
func WithLeaderChange(fn func(isLeader bool)) Option {
	return func(n *Node) { n.onLeaderChange = fn }
}

// New creates a node from configuration. With cluster.bootstrap set, a node
// without persisted state is initialized with the configured peers.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) (*Node, error) {
	id, err := raft.ParseServerID(cfg.Node.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse node id %q", cfg.Node.ID)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	p, err := raft.NewFilePersistence(cfg.Node.DataDir)
	if err != nil {
		return nil, err
	}
	if cfg.Cluster.Bootstrap {
		members, err := cfg.Cluster.Members()
		if err != nil {
			p.Close()
			return nil, err
		}
		if err := raft.Bootstrap(p, raft.Configuration{Current: members}); err != nil {
			p.Close()
			return nil, errors.Wrap(err, "bootstrap")
		}
	}

	transport := raft.NewRPCTransport(cfg.Node.Address)
	transport.SetTimeout(cfg.Raft.RPCTimeout)
	transport.SetMaxConns(cfg.Raft.MaxConnections)

	n := &Node{
		cfg:         cfg,
		id:          id,
		logger:      logger.WithFields("server", id.String()),
		store:       kvstore.New(),
		persistence: p,
		transport:   transport,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Start connects the failure detector, if configured, and starts the raft
// server.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return raft.ErrAborted
	}
	if n.server != nil {
		return nil
	}

	opts := []raft.Option{raft.WithLogger(n.logger)}
	if zc := n.cfg.ZooKeeper; zc.Enabled() {
		d, err := zkdetect.New(zkdetect.Config{
			Servers:        zc.Servers,
			Root:           zc.Root,
			SessionTimeout: zc.SessionTimeout,
			Logger:         n.logger,
		}, n.id)
		if err != nil {
			return err
		}
		n.detector = d
		opts = append(opts, raft.WithFailureDetector(d))
	}

	srv, err := raft.NewServer(n.id, n.cfg.Raft.ToRaftConfig(), n.persistence, n.transport, n.store, opts...)
	if err != nil {
		n.closeDetector()
		return err
	}
	if err := srv.Start(ctx); err != nil {
		n.closeDetector()
		return err
	}
	n.server = srv
	if n.onLeaderChange != nil {
		go n.watchLeadership(srv)
	}
	n.logger.Info("node started", "address", n.transport.LocalAddr(), "data_dir", n.cfg.Node.DataDir)
	return nil
}

func (n *Node) closeDetector() {
	if n.detector != nil {
		n.detector.Close()
		n.detector = nil
	}
}

// watchLeadership reports leadership changes until the server is aborted.
func (n *Node) watchLeadership(srv *raft.Server) {
	leader := false
	for {
		if err := srv.WaitLeadership(context.Background(), !leader); err != nil {
			return
		}
		leader = !leader
		n.onLeaderChange(leader)
	}
}

// Stop aborts the raft server and releases its collaborators. A stopped node
// cannot be started again.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	if n.server != nil {
		n.server.Abort()
		n.server = nil
	} else {
		n.transport.Close()
	}
	n.closeDetector()
	if err := n.persistence.Close(); err != nil {
		n.logger.Warn("closing persistence failed", "error", err)
	}
	n.logger.Info("node stopped")
}

func (n *Node) running() (*raft.Server, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.server == nil {
		return nil, raft.ErrNotStarted
	}
	return n.server, nil
}

// ID returns this node's server ID.
func (n *Node) ID() raft.ServerID {
	return n.id
}

// Addr returns the raft RPC address.
func (n *Node) Addr() string {
	return n.transport.LocalAddr()
}

// Store returns the local state machine.
func (n *Node) Store() *kvstore.Store {
	return n.store
}

// IsLeader returns true if this node is the cluster leader.
func (n *Node) IsLeader() bool {
	srv, err := n.running()
	return err == nil && srv.IsLeader()
}

// LeaderID returns the current leader, raft.NoServer if unknown.
func (n *Node) LeaderID() raft.ServerID {
	srv, err := n.running()
	if err != nil {
		return raft.NoServer
	}
	return srv.Leader()
}

// LeaderAddr returns the raft address of the current leader.
func (n *Node) LeaderAddr() string {
	srv, err := n.running()
	if err != nil {
		return ""
	}
	leader := srv.Leader()
	if leader.IsZero() {
		return ""
	}
	if m, ok := srv.GetConfiguration().Member(leader); ok {
		return string(m.Info)
	}
	return ""
}

// Put stores value under key and waits until it is applied locally.
func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	return n.propose(ctx, kvstore.PutCommand(key, value))
}

// Delete removes key.
func (n *Node) Delete(ctx context.Context, key string) error {
	return n.propose(ctx, kvstore.DeleteCommand(key))
}

// Rename moves the value of oldKey to newKey.
func (n *Node) Rename(ctx context.Context, oldKey, newKey string) error {
	return n.propose(ctx, kvstore.RenameCommand(oldKey, newKey))
}

func (n *Node) propose(ctx context.Context, cmd raft.Command) error {
	srv, err := n.running()
	if err != nil {
		return err
	}
	return srv.AddEntry(ctx, cmd, raft.WaitApplied)
}

// Get returns the value of key. A linearizable read waits for a read
// barrier first; otherwise the local, possibly stale, value is returned.
func (n *Node) Get(ctx context.Context, key string, linearizable bool) ([]byte, bool, error) {
	if linearizable {
		if err := n.ReadBarrier(ctx); err != nil {
			return nil, false, err
		}
	}
	v, ok := n.store.Get(key)
	return v, ok, nil
}

// Keys returns the keys with the given prefix.
func (n *Node) Keys(ctx context.Context, prefix string, linearizable bool) ([]string, error) {
	if linearizable {
		if err := n.ReadBarrier(ctx); err != nil {
			return nil, err
		}
	}
	return n.store.Keys(prefix), nil
}

// ReadBarrier waits until the local store reflects every committed write.
func (n *Node) ReadBarrier(ctx context.Context) error {
	srv, err := n.running()
	if err != nil {
		return err
	}
	return srv.ReadBarrier(ctx)
}

// SetMembers changes the group members. Only the leader accepts it.
func (n *Node) SetMembers(ctx context.Context, peers []config.PeerConfig) error {
	srv, err := n.running()
	if err != nil {
		return err
	}
	members, err := config.ClusterConfig{Peers: peers}.Members()
	if err != nil {
		return errors.Wrapf(raft.ErrInvalidConfiguration, "%v", err)
	}
	return srv.SetConfiguration(ctx, members)
}

// Stepdown transfers leadership to another voter within timeout ticks.
func (n *Node) Stepdown(ctx context.Context, timeout int) error {
	srv, err := n.running()
	if err != nil {
		return err
	}
	return srv.Stepdown(ctx, timeout)
}

// ClusterStatus is a snapshot of the node's view of the group.
type ClusterStatus struct {
	NodeID      string       `json:"nodeId"`
	State       string       `json:"state"`
	Term        uint64       `json:"term"`
	LeaderID    string       `json:"leaderId,omitempty"`
	LeaderAddr  string       `json:"leaderAddr,omitempty"`
	CommitIndex uint64       `json:"commitIndex"`
	LastApplied uint64       `json:"lastApplied"`
	LastIndex   uint64       `json:"lastIndex"`
	Snapshot    uint64       `json:"snapshotIndex"`
	Joint       bool         `json:"joint"`
	Members     []PeerStatus `json:"members"`
	Keys        int          `json:"keys"`
}

// PeerStatus describes one configuration member. Replication progress is
// only known on the leader.
type PeerStatus struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Voting bool   `json:"voting"`
	Match  uint64 `json:"match,omitempty"`
	Next   uint64 `json:"next,omitempty"`
	State  string `json:"state,omitempty"`
	// Alive is the failure detector's verdict, absent without one.
	Alive *bool `json:"alive,omitempty"`
}

// Status returns the current cluster status.
func (n *Node) Status() *ClusterStatus {
	status := &ClusterStatus{
		NodeID: n.id.String(),
		State:  "stopped",
		Keys:   n.store.Len(),
	}
	n.mu.RLock()
	srv, detector := n.server, n.detector
	n.mu.RUnlock()
	if srv == nil {
		return status
	}
	st := srv.Status()
	if st == nil {
		return status
	}

	status.State = st.Role.String()
	status.Term = uint64(st.Term)
	status.CommitIndex = uint64(st.CommitIndex)
	status.LastApplied = uint64(st.AppliedIndex)
	status.LastIndex = uint64(st.LastIndex)
	status.Snapshot = uint64(st.SnapshotIndex)
	status.Joint = st.Configuration.IsJoint()
	if !st.Leader.IsZero() {
		status.LeaderID = st.Leader.String()
		if m, ok := st.Configuration.Member(st.Leader); ok {
			status.LeaderAddr = string(m.Info)
		}
	}

	progress := make(map[raft.ServerID]raft.PeerProgress, len(st.Peers))
	for _, p := range st.Peers {
		progress[p.ID] = p
	}
	for _, m := range st.Configuration.Members() {
		ps := PeerStatus{
			ID:     m.ID.String(),
			Addr:   string(m.Info),
			Voting: st.Configuration.CanVote(m.ID),
		}
		if detector != nil {
			alive := detector.IsAlive(m.ID)
			ps.Alive = &alive
		}
		if p, ok := progress[m.ID]; ok {
			ps.Match = uint64(p.Match)
			ps.Next = uint64(p.Next)
			ps.State = p.State.String()
		}
		status.Members = append(status.Members, ps)
	}
	return status
}
