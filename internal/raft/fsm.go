package raft

import (
	"encoding/binary"
	"math/rand"
	"time"
)

// envelope is an outbound message.
type envelope struct {
	to  ServerID
	msg *Message
}

// readResult resolves a local read barrier.
type readResult struct {
	id    uint64
	index Index
	err   error
}

// output collects the side effects of fsm steps. The owner goroutine applies
// them in field order: durable state first, then messages, then the applier,
// then waiters.
type output struct {
	// Term or vote changed and must be persisted before any message is sent.
	termAndVote bool
	// Snapshot received from the leader, to persist and load.
	snapshot *Snapshot
	messages []envelope
	// Peers that need the latest local snapshot.
	snapshotTo []ServerID
	// Newly committed entries, in order.
	committed []*LogEntry
	reads     []readResult
	// Stepdown finished; stepdownErr is its outcome.
	stepdownDone bool
	stepdownErr  error
}

// fsm is the protocol state of one server. It performs no I/O: every input
// is a method call from the owner goroutine and every effect lands in out.
type fsm struct {
	id     ServerID
	cfg    Config
	log    *Log
	fd     FailureDetector
	logger Logger
	rand   *rand.Rand

	term      Term
	votedFor  ServerID
	role      Role
	leader    ServerID
	commitIdx Index
	// Highest committed index handed to the applier.
	handedIdx Index

	electionElapsed   int
	randomizedTimeout int
	heartbeatElapsed  int

	votes    *votes
	progress map[ServerID]*PeerProgress
	// Index of the noop appended when this server became leader.
	termStart Index

	transfer *leaderTransfer

	readRound uint64
	reads     []pendingRead
	forwarded map[uint64]*forwardedRead

	out output
}

type leaderTransfer struct {
	elapsed int
	timeout int
}

func newFSM(id ServerID, cfg Config, log *Log, term Term, votedFor ServerID, fd FailureDetector, logger Logger) *fsm {
	seed := time.Now().UnixNano() ^ int64(binary.LittleEndian.Uint64(id[:8]))
	f := &fsm{
		id:        id,
		cfg:       cfg,
		log:       log,
		fd:        fd,
		logger:    logger,
		rand:      rand.New(rand.NewSource(seed)),
		term:      term,
		votedFor:  votedFor,
		role:      RoleFollower,
		commitIdx: log.Snapshot().Index,
		handedIdx: log.Snapshot().Index,
		forwarded: make(map[uint64]*forwardedRead),
	}
	f.resetElectionTimer()
	return f
}

// takeOutput returns and clears the pending effects. Entries committed since
// the previous call are appended.
func (f *fsm) takeOutput() output {
	if f.commitIdx > f.handedIdx {
		f.out.committed = f.log.Entries(f.handedIdx+1, f.commitIdx)
		f.handedIdx = f.commitIdx
	}
	o := f.out
	f.out = output{}
	return o
}

// pending reports whether takeOutput would return anything.
func (f *fsm) pending() bool {
	o := &f.out
	if o.termAndVote || o.snapshot != nil || o.stepdownDone ||
		len(o.messages) > 0 || len(o.snapshotTo) > 0 || len(o.reads) > 0 {
		return true
	}
	if f.commitIdx > f.handedIdx {
		return true
	}
	from, entries := f.log.Unstable()
	return from > 0 || len(entries) > 0
}

func (f *fsm) send(to ServerID, m *Message) {
	m.From = f.id
	f.out.messages = append(f.out.messages, envelope{to: to, msg: m})
}

func (f *fsm) isLeader() bool {
	return f.role == RoleLeader
}

// tick advances logical time by one tick.
func (f *fsm) tick() {
	if f.role == RoleLeader {
		f.tickLeader()
	} else {
		f.tickElection()
	}
	f.tickForwarded()
}

// step processes a message received from a peer.
func (f *fsm) step(m *Message) {
	switch {
	case m.Term > f.term:
		if req := m.VoteRequest; req != nil {
			if !req.Force && f.inLease() {
				f.logger.Debug("rejecting vote, leader is alive",
					"from", m.From.String(), "term", uint64(f.term), "request_term", uint64(m.Term))
				if req.Prevote {
					f.send(m.From, &Message{Term: m.Term, VoteReply: &VoteReply{Prevote: true}})
				}
				return
			}
			if req.Prevote {
				break
			}
		}
		if r := m.VoteReply; r != nil && r.Prevote && m.Term == f.term+1 {
			break
		}
		leader := NoServer
		if m.AppendRequest != nil || m.InstallSnapshot != nil || m.ReadQuorum != nil {
			leader = m.From
		}
		f.becomeFollower(m.Term, leader)

	case m.Term < f.term:
		switch {
		case m.AppendRequest != nil, m.ReadQuorum != nil:
			// Let a deposed leader learn the new term.
			f.send(m.From, &Message{Term: f.term, AppendReply: &AppendReply{}})
		case m.InstallSnapshot != nil:
			f.send(m.From, &Message{Term: f.term, SnapshotReply: &SnapshotReply{}})
		case m.VoteRequest != nil && m.VoteRequest.Prevote:
			f.send(m.From, &Message{Term: f.term, VoteReply: &VoteReply{Prevote: true}})
		}
		return
	}

	switch {
	case m.VoteRequest != nil:
		f.handleVoteRequest(m)
	case m.VoteReply != nil:
		f.handleVoteReply(m)
	case m.AppendRequest != nil:
		f.handleAppendRequest(m)
	case m.AppendReply != nil:
		f.handleAppendReply(m)
	case m.InstallSnapshot != nil:
		f.handleInstallSnapshot(m)
	case m.SnapshotReply != nil:
		f.handleSnapshotReply(m)
	case m.TimeoutNow != nil:
		f.handleTimeoutNow(m)
	case m.ReadQuorum != nil:
		f.handleReadQuorum(m)
	case m.ReadQuorumReply != nil:
		f.handleReadQuorumReply(m)
	case m.ReadBarrierRequest != nil:
		f.handleReadBarrierRequest(m)
	case m.ReadBarrierReply != nil:
		f.handleReadBarrierReply(m)
	}
}

// propose appends a client entry. Only the leader accepts entries, and not
// while a leadership transfer is in progress or the log is full.
func (f *fsm) propose(typ uint8, cmd Command) (*LogEntry, error) {
	if f.role != RoleLeader || f.transfer != nil {
		return nil, ErrNotLeader
	}
	if f.log.Len() >= f.cfg.MaxLogSize {
		return nil, ErrLogFull
	}
	e := f.appendEntry(&LogEntry{Type: typ, Command: cmd})
	f.broadcast(false)
	return e, nil
}

// appendEntry stamps the entry with the next index and the current term.
func (f *fsm) appendEntry(e *LogEntry) *LogEntry {
	e.Index = f.log.LastIndex() + 1
	e.Term = f.term
	f.log.Append(e)
	if e.Type == EntryConfig {
		f.syncProgress()
	}
	return e
}

// becomeFollower moves to the follower role. A higher term clears the vote.
func (f *fsm) becomeFollower(term Term, leader ServerID) {
	if term > f.term {
		f.term = term
		f.votedFor = NoServer
		f.out.termAndVote = true
	}
	wasLeader := f.role == RoleLeader
	if f.role != RoleFollower {
		f.logger.Info("became follower", "server", f.id.String(), "term", uint64(f.term), "from", f.role.String())
	}
	f.role = RoleFollower
	f.votes = nil
	f.setLeader(leader)
	f.resetElectionTimer()
	if wasLeader {
		f.progress = nil
		f.failReads(ErrNotLeader)
		if f.transfer != nil {
			f.transfer = nil
			f.out.stepdownDone = true
		}
	}
}

// setLeader records the known leader. Reads forwarded to a previous leader
// can no longer be answered.
func (f *fsm) setLeader(id ServerID) {
	if f.leader != id && len(f.forwarded) > 0 {
		f.failForwarded(ErrNotLeader)
	}
	f.leader = id
}

// commitTo advances the commit index.
func (f *fsm) commitTo(index Index) {
	if index <= f.commitIdx {
		return
	}
	f.commitIdx = index
	if f.role == RoleLeader {
		f.onLeaderCommit()
	}
}

// stable is called after the owner persisted the log. The leader's own match
// is its stable index, so commit may advance.
func (f *fsm) stable() {
	if f.role == RoleLeader {
		f.maybeCommit()
	}
}

// snapshotTaken installs a snapshot produced by the local state machine.
func (f *fsm) snapshotTaken(meta SnapshotMeta) {
	f.log.Compact(meta, f.cfg.SnapshotTrailing)
}

// Status is a point-in-time view of a server.
type Status struct {
	ID            ServerID
	Term          Term
	Role          Role
	Leader        ServerID
	CommitIndex   Index
	AppliedIndex  Index
	FirstIndex    Index
	LastIndex     Index
	LastTerm      Term
	SnapshotIndex Index
	Configuration Configuration
	Peers         []PeerProgress
}

func (f *fsm) status() *Status {
	s := &Status{
		ID:            f.id,
		Term:          f.term,
		Role:          f.role,
		Leader:        f.leader,
		CommitIndex:   f.commitIdx,
		FirstIndex:    f.log.FirstIndex(),
		LastIndex:     f.log.LastIndex(),
		LastTerm:      f.log.LastTerm(),
		SnapshotIndex: f.log.Snapshot().Index,
		Configuration: f.log.Configuration().Clone(),
	}
	for _, m := range s.Configuration.Members() {
		if pr, ok := f.progress[m.ID]; ok {
			s.Peers = append(s.Peers, *pr)
		}
	}
	return s
}
