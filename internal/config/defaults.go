package config

import (
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	rc := raft.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			Address: ":7000",
			DataDir: "/var/lib/raftd",
		},
		Raft: RaftConfig{
			TickInterval:           rc.TickInterval,
			ElectionTimeout:        rc.ElectionTimeout,
			HeartbeatInterval:      rc.HeartbeatInterval,
			SnapshotThreshold:      rc.SnapshotThreshold,
			SnapshotTrailing:       rc.SnapshotTrailing,
			AppendRequestThreshold: rc.AppendRequestThreshold,
			MaxLogSize:             rc.MaxLogSize,
			EnablePrevoting:        rc.EnablePrevoting,
			RPCTimeout:             time.Second,
			MaxConnections:         256,
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/raftkit",
			SessionTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Address:     ":8080",
			CORSOrigins: []string{"*"},
			ReadTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
