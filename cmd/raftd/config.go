package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"gopkg.in/yaml.v3"
)

// configCmd handles the config command.
func configCmd(args []string) int {
	if len(args) == 0 {
		printConfigUsage(stdout)
		return 0
	}

	// Check for help flags
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(stdout)
		return 0
	}

	switch args[0] {
	case "validate":
		return configValidateCmd(args[1:])
	case "init":
		return configInitCmd(args[1:])
	case "show":
		return configShowCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'raftd config help' for usage.")
		return 1
	}
}

// configValidateCmd handles the config validate subcommand.
func configValidateCmd(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Fprintln(stdout, "Validate configuration file")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Usage:")
		fmt.Fprintln(stdout, "  raftd config validate [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fmt.Fprintln(stdout, "  -config string")
		fmt.Fprintln(stdout, "        Path to configuration file (required)")
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if !printValidationErrors(cfg) {
		return 1
	}

	fmt.Fprintln(stdout, "Configuration is valid")
	return 0
}

// printValidationErrors reports validation errors on stderr and returns true
// if there were none.
func printValidationErrors(cfg *config.Config) bool {
	errs := config.ValidateConfig(cfg)
	if len(errs) == 0 {
		return true
	}
	fmt.Fprintln(os.Stderr, "Configuration errors:")
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
	return false
}

// configInitCmd handles the config init subcommand.
func configInitCmd(args []string) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	address := fs.String("address", "", "Raft RPC address advertised to peers")
	dataDir := fs.String("data-dir", "", "Data directory path")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Fprintln(stdout, "Generate a configuration for a new single-node group")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Usage:")
		fmt.Fprintln(stdout, "  raftd config init [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Outputs a configuration with a fresh node id to stdout in YAML format.")
		return 0
	}

	cfg := initialConfig(*address, *dataDir)

	out, err := marshalConfigToYAML(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, "# raftd configuration\n# Generated by: raftd config init\n\n")
	fmt.Fprint(stdout, string(out))

	return 0
}

// initialConfig returns the defaults with a new node id, bootstrapping a
// group that contains only this node.
func initialConfig(address, dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = raft.NewServerID().String()
	if address == "" {
		address = "127.0.0.1" + cfg.Node.Address
	}
	cfg.Node.Address = address
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	cfg.Cluster = config.ClusterConfig{
		Bootstrap: true,
		Peers:     []config.PeerConfig{{ID: cfg.Node.ID, Address: address, Voting: true}},
	}
	return cfg
}

// configShowCmd handles the config show subcommand.
func configShowCmd(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "yaml", "Output format (yaml, json)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Fprintln(stdout, "Show effective configuration")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Usage:")
		fmt.Fprintln(stdout, "  raftd config show [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fmt.Fprintln(stdout, "  -config string")
		fmt.Fprintln(stdout, "        Path to configuration file")
		fmt.Fprintln(stdout, "  -format string")
		fmt.Fprintln(stdout, "        Output format: yaml, json (default \"yaml\")")
		return 0
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
	}
	applyEnvOverrides(cfg)

	switch *format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	case "yaml":
		out, err := marshalConfigToYAML(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprint(stdout, string(out))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		return 1
	}

	return 0
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern RAFTD_<SECTION>_<KEY>.
func applyEnvOverrides(cfg *config.Config) {
	// Node overrides
	if v := os.Getenv("RAFTD_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("RAFTD_NODE_ADDRESS"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("RAFTD_NODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}

	if v := os.Getenv("RAFTD_HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}

	// Logging overrides
	if v := os.Getenv("RAFTD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RAFTD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RAFTD_LOGGING_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

// marshalConfigToYAML renders cfg in the layout LoadConfig reads back.
// Durations are written in their string form.
func marshalConfigToYAML(cfg *config.Config) ([]byte, error) {
	doc, err := mapping(
		"node", cfg.Node,
		"cluster", cfg.Cluster,
		"raft", mustMapping(
			"tickInterval", cfg.Raft.TickInterval,
			"electionTimeout", cfg.Raft.ElectionTimeout,
			"heartbeatInterval", cfg.Raft.HeartbeatInterval,
			"snapshotThreshold", cfg.Raft.SnapshotThreshold,
			"snapshotTrailing", cfg.Raft.SnapshotTrailing,
			"appendRequestThreshold", cfg.Raft.AppendRequestThreshold,
			"maxLogSize", cfg.Raft.MaxLogSize,
			"enablePrevoting", cfg.Raft.EnablePrevoting,
			"rpcTimeout", cfg.Raft.RPCTimeout,
			"maxConnections", cfg.Raft.MaxConnections,
		),
		"zookeeper", mustMapping(
			"servers", cfg.ZooKeeper.Servers,
			"root", cfg.ZooKeeper.Root,
			"sessionTimeout", cfg.ZooKeeper.SessionTimeout,
		),
		"http", mustMapping(
			"address", cfg.HTTP.Address,
			"corsOrigins", cfg.HTTP.CORSOrigins,
			"readTimeout", cfg.HTTP.ReadTimeout,
		),
		"logging", cfg.Logging,
	)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func mustMapping(pairs ...interface{}) *yaml.Node {
	n, err := mapping(pairs...)
	if err != nil {
		panic(err)
	}
	return n
}

// mapping builds an ordered YAML mapping from key/value pairs.
func mapping(pairs ...interface{}) (*yaml.Node, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for i := 0; i+1 < len(pairs); i += 2 {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: pairs[i].(string)}
		var value *yaml.Node
		switch v := pairs[i+1].(type) {
		case *yaml.Node:
			value = v
		case time.Duration:
			value = &yaml.Node{Kind: yaml.ScalarNode, Value: formatDuration(v)}
		default:
			value = &yaml.Node{}
			if err := value.Encode(v); err != nil {
				return nil, err
			}
		}
		n.Content = append(n.Content, key, value)
	}
	return n, nil
}

// formatDuration formats a duration for YAML output.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	return d.String()
}
