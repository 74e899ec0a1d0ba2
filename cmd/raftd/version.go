package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
)

// Set at link time, e.g. -ldflags "-X main.version=0.2.0 -X main.commit=abc123".
// Without them commit and build date come from the VCS stamp of the binary.
var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// buildInfo describes the running binary.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	info := buildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}

// versionCmd handles the version command.
func versionCmd(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {}

	short := fs.Bool("short", false, "Print only the version number")
	asJSON := fs.Bool("json", false, "Print build information as JSON")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printVersionUsage(stdout)
			return 0
		}
		printVersionUsage(os.Stderr)
		return 1
	}

	info := currentBuild()
	switch {
	case *short:
		fmt.Fprintln(stdout, info.Version)
	case *asJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			fmt.Fprintf(os.Stderr, "raftd: %v\n", err)
			return 1
		}
	default:
		commitLine := info.Commit
		if info.Modified {
			commitLine += " (modified)"
		}
		fmt.Fprintf(stdout, "raftd %s\n", info.Version)
		fmt.Fprintf(stdout, "  commit:   %s\n", commitLine)
		fmt.Fprintf(stdout, "  built:    %s\n", info.BuildDate)
		fmt.Fprintf(stdout, "  go:       %s (%s)\n", info.GoVersion, info.Platform)
	}
	return 0
}
