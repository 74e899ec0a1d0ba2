// Command raftd runs one member of a replicated key/value group and manages
// its configuration.
package main

import (
	"fmt"
	"io"
	"os"
)

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// command is a raftd subcommand.
type command struct {
	name    string
	summary string
	run     func(args []string) int
}

var commands = []command{
	{"serve", "Start a cluster node", serveCmd},
	{"config", "Validate, generate or show a node configuration", configCmd},
	{"version", "Show build information", versionCmd},
}

func main() {
	os.Exit(run(os.Args))
}

// run dispatches to a subcommand and returns the process exit code.
func run(args []string) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 1
	}
	name := args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(stdout)
		return 0
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(args[2:])
		}
	}
	fmt.Fprintf(os.Stderr, "raftd: unknown command %q\n", name)
	fmt.Fprintln(os.Stderr, "Run 'raftd help' for usage.")
	return 2
}
