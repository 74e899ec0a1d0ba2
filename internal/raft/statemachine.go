package raft

import "context"

// StateMachine is the replicated application. Commands are applied in log
// order on every server.
type StateMachine interface {
	// Apply applies a batch of committed commands.
	Apply(ctx context.Context, cmds []Command) error

	// TakeSnapshot returns an image of the current state.
	TakeSnapshot() ([]byte, error)

	// LoadSnapshot replaces the state with an image.
	LoadSnapshot(data []byte) error
}

// FailureDetector reports whether a server appears to be alive. It is only a
// hint used to delay elections and pick transfer targets.
type FailureDetector interface {
	IsAlive(id ServerID) bool
}

// FailureDetectorFunc adapts a function to FailureDetector.
type FailureDetectorFunc func(id ServerID) bool

// IsAlive implements FailureDetector.
func (f FailureDetectorFunc) IsAlive(id ServerID) bool {
	return f(id)
}
