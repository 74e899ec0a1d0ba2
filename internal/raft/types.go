package raft

import (
	"github.com/google/uuid"
)

// Term is a logical epoch. At most one leader exists per term.
type Term uint64

// Index is the 1-based position of an entry in the log. Zero means "none".
type Index uint64

// ServerID uniquely identifies a participant of a Raft group.
type ServerID uuid.UUID

// NoServer is the zero ServerID, used for "no vote" and "no leader".
var NoServer ServerID

// NewServerID returns a random ServerID.
func NewServerID() ServerID {
	return ServerID(uuid.New())
}

// ParseServerID parses the textual UUID form of a ServerID.
func ParseServerID(s string) (ServerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NoServer, err
	}
	return ServerID(u), nil
}

// MustParseServerID is like ParseServerID but panics on error.
func MustParseServerID(s string) ServerID {
	return ServerID(uuid.MustParse(s))
}

// String returns the canonical UUID form.
func (id ServerID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is NoServer.
func (id ServerID) IsZero() bool {
	return id == NoServer
}

// Less orders ids bytewise; used to keep configurations canonical.
func (id ServerID) Less(other ServerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Command is an opaque payload interpreted only by the state machine.
type Command []byte

// WaitType selects when AddEntry returns.
type WaitType uint8

const (
	// WaitCommitted resolves once the entry is committed.
	WaitCommitted WaitType = iota
	// WaitApplied resolves once the entry is applied to the local state machine.
	WaitApplied
)

// String returns the string representation of a wait type.
func (w WaitType) String() string {
	switch w {
	case WaitCommitted:
		return "committed"
	case WaitApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// Role is the election state of a server.
type Role uint8

// Server roles.
const (
	RoleFollower Role = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
)

// String returns the string representation of a role.
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Snapshot replaces the log prefix up to and including Index.
type Snapshot struct {
	Index  Index
	Term   Term
	Config Configuration
	Data   []byte
}

// SnapshotMeta describes a snapshot without its image.
type SnapshotMeta struct {
	Index  Index
	Term   Term
	Config Configuration
}

// Meta returns the snapshot metadata.
func (s *Snapshot) Meta() SnapshotMeta {
	return SnapshotMeta{Index: s.Index, Term: s.Term, Config: s.Config}
}
