package main

import (
	"fmt"
	"io"
)

// printUsage lists the commands of the command table.
func printUsage(w io.Writer) {
	fmt.Fprint(w, "raftd runs a member of a replicated key/value group.\n\nUsage:\n  raftd <command> [options]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprint(w, `
Use "raftd <command> -h" for the options of a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a cluster node

Usage:
  raftd serve [options]

Options:
  -config string
        Path to configuration file
  -id string
        Node UUID (overrides config)
  -address string
        Raft RPC listen address (overrides config, default ":7000")
  -http-address string
        Admin API listen address (overrides config, default ":8080")
  -data-dir string
        Data directory path (overrides config, default "/var/lib/raftd")
  -bootstrap
        Initialize a new group from cluster.peers
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Environment Variables:
  RAFTD_NODE_ID            Override node id
  RAFTD_NODE_ADDRESS       Override Raft RPC listen address
  RAFTD_NODE_DATA_DIR      Override data directory path
  RAFTD_HTTP_ADDRESS       Override admin API listen address
  RAFTD_LOGGING_LEVEL      Override log level

Changes to cluster.peers in the configuration file are applied while running
when this node is the leader.
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  raftd config <subcommand> [options]

Subcommands:
  validate    Validate configuration file
  init        Generate a configuration for a new single-node group
  show        Show effective configuration

Use "raftd config <subcommand> -h" for more information.
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show build information

Usage:
  raftd version [-short | -json]

Options:
  -short
        Print only the version number
  -json
        Print version, commit, build date and Go toolchain as JSON

Commit and build date default to the VCS stamp embedded by the Go toolchain.
`)
}
