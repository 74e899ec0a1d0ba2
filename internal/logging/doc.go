// Package logging provides structured logging for raftkit.
//
// # Overview
//
// Logger is a small key/value facade over logrus with support for:
//
//   - Multiple log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Request ID tracking
//   - Field-based contextual logging
//
// # Creating a Logger
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/raftd.log",
//	})
//
// Or use defaults (info level, text format, stdout):
//
//	logger := logging.NewDefault()
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Structured Logging
//
// Add key-value pairs to log entries:
//
//	logger.Info("became leader", "server", id, "term", 7)
//
// Output (JSON format):
//
//	{"level":"info","msg":"became leader","server":"4f1c...","term":7,"ts":"2026-02-18T10:30:00Z"}
//
// Error values are logged by their message.
//
// # Request ID Tracking
//
//	requestID := logging.GenerateRequestID()
//	reqLogger := logger.WithRequestID(requestID)
//
// # Contextual Fields
//
//	nodeLogger := logger.WithFields("server", id)
//
// A Logger satisfies raft.Logger and can be passed to raft.WithLogger.
package logging
