// Package config provides configuration parsing and management for raftd.
package config

import (
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/KilimcininKorOglu/raftkit/internal/raft"
)

// Config holds the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node" json:"node"`
	Cluster   ClusterConfig   `yaml:"cluster" json:"cluster"`
	Raft      RaftConfig      `yaml:"raft" json:"raft"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper" json:"zookeeper"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Logging   LogConfig       `yaml:"logging" json:"logging"`
}

// NodeConfig identifies the local server.
type NodeConfig struct {
	ID      string `yaml:"id" json:"id"`           // UUID of the server
	Address string `yaml:"address" json:"address"` // Raft RPC listen address
	DataDir string `yaml:"dataDir" json:"dataDir"`
}

// ClusterConfig lists the members used to bootstrap a new group.
type ClusterConfig struct {
	Bootstrap bool         `yaml:"bootstrap" json:"bootstrap"`
	Peers     []PeerConfig `yaml:"peers" json:"peers"`
}

// PeerConfig is one member of the group.
type PeerConfig struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Voting  bool   `yaml:"voting" json:"voting"`
}

// RaftConfig holds the consensus tunables. Timeouts are in ticks.
type RaftConfig struct {
	TickInterval           time.Duration `yaml:"tickInterval" json:"tickInterval"`
	ElectionTimeout        int           `yaml:"electionTimeout" json:"electionTimeout"`
	HeartbeatInterval      int           `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	SnapshotThreshold      int           `yaml:"snapshotThreshold" json:"snapshotThreshold"`
	SnapshotTrailing       int           `yaml:"snapshotTrailing" json:"snapshotTrailing"`
	AppendRequestThreshold int           `yaml:"appendRequestThreshold" json:"appendRequestThreshold"`
	MaxLogSize             int           `yaml:"maxLogSize" json:"maxLogSize"`
	EnablePrevoting        bool          `yaml:"enablePrevoting" json:"enablePrevoting"`
	RPCTimeout             time.Duration `yaml:"rpcTimeout" json:"rpcTimeout"`
	MaxConnections         int           `yaml:"maxConnections" json:"maxConnections"`
}

// ZooKeeperConfig configures the failure detector. It is disabled when no
// servers are listed.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" json:"servers"`
	Root           string        `yaml:"root" json:"root"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" json:"sessionTimeout"`
}

// Enabled reports whether a ZooKeeper ensemble is configured.
func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// HTTPConfig configures the admin API. It is disabled when Address is empty.
type HTTPConfig struct {
	Address     string        `yaml:"address" json:"address"`
	CORSOrigins []string      `yaml:"corsOrigins" json:"corsOrigins"`
	ReadTimeout time.Duration `yaml:"readTimeout" json:"readTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// ToLogging converts to the logger configuration.
func (c LogConfig) ToLogging() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format, Output: c.Output}
}

// ToRaftConfig converts to the consensus configuration.
func (c RaftConfig) ToRaftConfig() raft.Config {
	return raft.Config{
		TickInterval:           c.TickInterval,
		ElectionTimeout:        c.ElectionTimeout,
		HeartbeatInterval:      c.HeartbeatInterval,
		SnapshotThreshold:      c.SnapshotThreshold,
		SnapshotTrailing:       c.SnapshotTrailing,
		AppendRequestThreshold: c.AppendRequestThreshold,
		MaxLogSize:             c.MaxLogSize,
		EnablePrevoting:        c.EnablePrevoting,
	}
}

// Members converts the peer list to raft members. The peer address is
// carried as the member info.
func (c ClusterConfig) Members() ([]raft.ServerAddress, error) {
	members := make([]raft.ServerAddress, 0, len(c.Peers))
	for _, p := range c.Peers {
		id, err := raft.ParseServerID(p.ID)
		if err != nil {
			return nil, err
		}
		members = append(members, raft.ServerAddress{ID: id, Voting: p.Voting, Info: []byte(p.Address)})
	}
	return members, nil
}
