package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error
	errs = append(errs, validateNodeConfig(&config.Node)...)
	errs = append(errs, validateClusterConfig(&config.Cluster, config.Node.ID)...)
	errs = append(errs, validateRaftConfig(&config.Raft)...)
	errs = append(errs, validateZooKeeperConfig(&config.ZooKeeper)...)
	errs = append(errs, validateHTTPConfig(&config.HTTP)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	return errs
}

func validateNodeConfig(config *NodeConfig) []error {
	var errs []error

	if _, err := raft.ParseServerID(config.ID); err != nil {
		errs = append(errs, ValidationError{Field: "node.id", Message: "must be a UUID"})
	}
	if err := validateAddress(config.Address); err != nil {
		errs = append(errs, ValidationError{Field: "node.address", Message: err.Error()})
	}
	if config.DataDir == "" {
		errs = append(errs, ValidationError{Field: "node.dataDir", Message: "is required"})
	}
	return errs
}

func validateClusterConfig(config *ClusterConfig, self string) []error {
	var errs []error

	seen := make(map[string]bool)
	voters := 0
	for i, p := range config.Peers {
		field := fmt.Sprintf("cluster.peers[%d]", i)
		id, err := raft.ParseServerID(p.ID)
		if err != nil {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "must be a UUID"})
			continue
		}
		if seen[id.String()] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "duplicate peer"})
		}
		seen[id.String()] = true
		if err := validateAddress(p.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
		if p.Voting {
			voters++
		}
	}

	if config.Bootstrap {
		if voters == 0 {
			errs = append(errs, ValidationError{Field: "cluster.peers", Message: "bootstrap needs at least one voter"})
		}
		if selfID, err := raft.ParseServerID(self); err == nil && !seen[selfID.String()] {
			errs = append(errs, ValidationError{Field: "cluster.peers", Message: "bootstrap peers must include node.id"})
		}
	}
	return errs
}

func validateRaftConfig(config *RaftConfig) []error {
	var errs []error

	if err := config.ToRaftConfig().Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "raft", Message: err.Error()})
	}
	if config.RPCTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "raft.rpcTimeout", Message: "must be positive"})
	}
	if config.MaxConnections < 0 {
		errs = append(errs, ValidationError{Field: "raft.maxConnections", Message: "must be non-negative"})
	}
	return errs
}

func validateZooKeeperConfig(config *ZooKeeperConfig) []error {
	if !config.Enabled() {
		return nil
	}

	var errs []error
	for i, s := range config.Servers {
		if err := validateAddress(s); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("zookeeper.servers[%d]", i), Message: err.Error()})
		}
	}
	if !strings.HasPrefix(config.Root, "/") || (len(config.Root) > 1 && strings.HasSuffix(config.Root, "/")) {
		errs = append(errs, ValidationError{Field: "zookeeper.root", Message: "must be an absolute znode path"})
	}
	if config.SessionTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "zookeeper.sessionTimeout", Message: "must be positive"})
	}
	return errs
}

func validateHTTPConfig(config *HTTPConfig) []error {
	if config.Address == "" {
		return nil
	}

	var errs []error
	if err := validateAddress(config.Address); err != nil {
		errs = append(errs, ValidationError{Field: "http.address", Message: err.Error()})
	}
	if config.ReadTimeout < 0 {
		errs = append(errs, ValidationError{Field: "http.readTimeout", Message: "must be non-negative"})
	}
	return errs
}

// validateLogConfig validates logging configuration.
func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" && !filepath.IsAbs(config.Output) {
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: "must be stdout, stderr, or an absolute file path",
		})
	}

	return errs
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
