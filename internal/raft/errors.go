package raft

import "errors"

// Caller-visible outcomes.
var (
	// ErrNotLeader is returned when an operation that requires leadership is
	// attempted on a follower or candidate.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrConfChangeInProgress is returned by SetConfiguration while a previous
	// configuration change has not completed.
	ErrConfChangeInProgress = errors.New("raft: configuration change in progress")

	// ErrInvalidConfiguration is returned when a requested configuration has no
	// voters or shares no voter with the current one.
	ErrInvalidConfiguration = errors.New("raft: invalid configuration")

	// ErrDroppedEntry is returned when the entry was replaced by a later leader
	// before it could commit.
	ErrDroppedEntry = errors.New("raft: entry dropped")

	// ErrCommitStatusUnknown is returned when the server lost track of the entry
	// and cannot tell whether it was committed.
	ErrCommitStatusUnknown = errors.New("raft: commit status unknown")

	// ErrTimeout is returned when a stepdown does not complete in time.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrAborted is returned to every pending operation once Abort is called.
	ErrAborted = errors.New("raft: server aborted")

	// ErrLogFull is returned by AddEntry while the in-memory log holds
	// MaxLogSize entries.
	ErrLogFull = errors.New("raft: log is full")

	// ErrNotStarted is returned when the server is used before Start.
	ErrNotStarted = errors.New("raft: server not started")
)

// Collaborator and internal errors.
var (
	// ErrUnreachable is returned by RPC implementations when a peer cannot be
	// contacted. It is never fatal.
	ErrUnreachable = errors.New("raft: peer unreachable")

	// ErrTransportClosed is returned when a closed transport is used.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrLogCorrupted is returned when persisted data cannot be decoded.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrLogIndexOutOfRange is returned when accessing an index the log no longer holds.
	ErrLogIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrInvalidConfig is returned when the server Config is invalid.
	ErrInvalidConfig = errors.New("raft: invalid server config")
)
