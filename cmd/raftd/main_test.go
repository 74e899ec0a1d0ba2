package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no args", []string{"raftd"}, 1},
		{"help command", []string{"raftd", "help"}, 0},
		{"short help flag", []string{"raftd", "-h"}, 0},
		{"long help flag", []string{"raftd", "--help"}, 0},
		{"unknown command", []string{"raftd", "unknown"}, 2},
		{"version", []string{"raftd", "version"}, 0},
		{"version short", []string{"raftd", "version", "-short"}, 0},
		{"version json", []string{"raftd", "version", "-json"}, 0},
		{"version help", []string{"raftd", "version", "-h"}, 0},
		{"version bad flag", []string{"raftd", "version", "-bogus"}, 1},
		{"serve help", []string{"raftd", "serve", "-help"}, 0},
		{"config help", []string{"raftd", "config", "help"}, 0},
		{"config no args", []string{"raftd", "config"}, 0},
		{"config unknown", []string{"raftd", "config", "bogus"}, 1},
	}

	captureStdout(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}

func TestUsageListsCommands(t *testing.T) {
	out := captureStdout(t)
	require.Equal(t, 0, run([]string{"raftd", "help"}))
	for _, cmd := range commands {
		assert.Contains(t, out.String(), cmd.name)
		assert.Contains(t, out.String(), cmd.summary)
	}
}

func TestVersionOutput(t *testing.T) {
	out := captureStdout(t)
	require.Equal(t, 0, versionCmd([]string{"-short"}))
	assert.Equal(t, version, strings.TrimSpace(out.String()))

	out.Reset()
	require.Equal(t, 0, versionCmd([]string{"-json"}))
	var info buildInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildDate)
	assert.Contains(t, info.Platform, "/")
}
