// Package config provides configuration parsing and management for raftd.
//
// # Overview
//
// Configuration is read from a YAML file. Values may reference environment
// variables as ${VAR} or ${VAR:-default}. Missing values take the defaults of
// DefaultConfig, and unknown keys are rejected.
//
// # Configuration Structure
//
//	type Config struct {
//	    Node      NodeConfig      // Server ID, RPC address, data directory
//	    Cluster   ClusterConfig   // Bootstrap members
//	    Raft      RaftConfig      // Consensus tunables
//	    ZooKeeper ZooKeeperConfig // Failure detector ensemble
//	    HTTP      HTTPConfig      // Admin API
//	    Logging   LogConfig       // Logging settings
//	}
//
// # Example
//
//	node:
//	  id: ${RAFTD_ID}
//	  address: 10.0.0.1:7000
//	  dataDir: /var/lib/raftd
//	cluster:
//	  bootstrap: true
//	  peers:
//	    - id: 7f9c6b1e-4a57-4c3e-9a8e-1d2f3b4c5d6e
//	      address: 10.0.0.1:7000
//	      voting: true
//	raft:
//	  tickInterval: 10ms
//	  electionTimeout: 10
//	zookeeper:
//	  servers: ["10.0.0.10:2181"]
//	  root: /raftkit
//	logging:
//	  level: ${LOG_LEVEL:-info}
//
// # Validation
//
//	cfg, err := config.LoadConfig("/etc/raftd/config.yaml")
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    // each error is a ValidationError naming the field
//	}
//
// # Hot Reload
//
// WatchPeers follows the file with fsnotify and calls OnPeersChange when a
// valid reload lists different peers. raftd turns that into a membership
// change.
package config
