package raft

// Message is the envelope exchanged between servers. Exactly one of the
// payload pointers is set. Every payload carries the sender's term so stale
// messages can be detected and dropped.
type Message struct {
	From ServerID
	Term Term
	// FromAddr is the sender's listen address when the transport has one.
	FromAddr string

	VoteRequest        *VoteRequest
	VoteReply          *VoteReply
	AppendRequest      *AppendRequest
	AppendReply        *AppendReply
	InstallSnapshot    *InstallSnapshot
	SnapshotReply      *SnapshotReply
	TimeoutNow         *TimeoutNow
	ReadQuorum         *ReadQuorum
	ReadQuorumReply    *ReadQuorumReply
	ReadBarrierRequest *ReadBarrierRequest
	ReadBarrierReply   *ReadBarrierReply
}

// Kind returns a short name of the payload, used in logs.
func (m *Message) Kind() string {
	switch {
	case m.VoteRequest != nil:
		if m.VoteRequest.Prevote {
			return "prevote"
		}
		return "vote"
	case m.VoteReply != nil:
		if m.VoteReply.Prevote {
			return "prevote_reply"
		}
		return "vote_reply"
	case m.AppendRequest != nil:
		return "append"
	case m.AppendReply != nil:
		return "append_reply"
	case m.InstallSnapshot != nil:
		return "install_snapshot"
	case m.SnapshotReply != nil:
		return "snapshot_reply"
	case m.TimeoutNow != nil:
		return "timeout_now"
	case m.ReadQuorum != nil:
		return "read_quorum"
	case m.ReadQuorumReply != nil:
		return "read_quorum_reply"
	case m.ReadBarrierRequest != nil:
		return "read_barrier"
	case m.ReadBarrierReply != nil:
		return "read_barrier_reply"
	default:
		return "empty"
	}
}

// VoteRequest is sent by (pre-)candidates to gather votes.
type VoteRequest struct {
	LastLogIndex Index // Index of candidate's last log entry
	LastLogTerm  Term  // Term of candidate's last log entry
	Prevote      bool  // Non-binding poll; Term is the term the candidate would use
	Force        bool  // Election started by leadership transfer
}

// VoteReply is the response to VoteRequest.
type VoteReply struct {
	Granted bool
	Prevote bool
}

// AppendRequest is sent by the leader to replicate log entries. An empty
// Entries slice is a heartbeat.
type AppendRequest struct {
	PrevLogIndex Index       // Index of log entry immediately preceding new ones
	PrevLogTerm  Term        // Term of PrevLogIndex entry
	Entries      []*LogEntry // Log entries to store
	LeaderCommit Index       // Leader's commit index
}

// AppendReply is the response to AppendRequest.
type AppendReply struct {
	Success bool
	// On success, the last index known to match the leader.
	// On rejection, the PrevLogIndex that did not match.
	Index Index
	// On rejection, the first index the leader should retry from.
	ConflictIndex Index
}

// InstallSnapshot carries a full snapshot to a follower that fell behind the
// retained log.
type InstallSnapshot struct {
	Snapshot *Snapshot
}

// SnapshotReply is the response to InstallSnapshot.
type SnapshotReply struct {
	Success bool
	Index   Index // Snapshot index on success
}

// TimeoutNow asks the receiver to start an election immediately.
type TimeoutNow struct {
	LastIndex Index // Leader's last index when the transfer started
}

// ReadQuorum confirms that the sender is still the leader.
type ReadQuorum struct {
	ID uint64 // Monotonic round id
}

// ReadQuorumReply acknowledges a ReadQuorum round.
type ReadQuorumReply struct {
	ID uint64
}

// ReadBarrierRequest is forwarded by a follower to the leader.
type ReadBarrierRequest struct {
	ID uint64 // Follower-local request id
}

// ReadBarrierReply returns the read index to a follower, or a rejection when
// the receiver is not the leader.
type ReadBarrierReply struct {
	ID      uint64
	Index   Index
	Success bool
}
