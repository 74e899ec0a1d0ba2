package raft

// pendingRead is a read barrier waiting for leadership confirmation.
type pendingRead struct {
	from  ServerID // f.id for local reads
	id    uint64
	index Index
	round uint64
}

// forwardedRead is a read barrier a follower sent to its leader.
type forwardedRead struct {
	leader  ServerID
	elapsed int
}

// readBarrier registers a local read barrier. A leader confirms its
// leadership with a quorum round; a follower forwards the request.
func (f *fsm) readBarrier(id uint64) error {
	switch {
	case f.role == RoleLeader:
		f.addRead(f.id, id)
	case !f.leader.IsZero():
		f.forwarded[id] = &forwardedRead{leader: f.leader}
		f.send(f.leader, &Message{Term: f.term, ReadBarrierRequest: &ReadBarrierRequest{ID: id}})
	default:
		return ErrNotLeader
	}
	return nil
}

// addRead records a read at max(commit, first index of the term) and starts a
// new confirmation round.
func (f *fsm) addRead(from ServerID, id uint64) {
	idx := f.commitIdx
	if f.termStart > idx {
		idx = f.termStart
	}
	f.readRound++
	f.reads = append(f.reads, pendingRead{from: from, id: id, index: idx, round: f.readRound})
	f.sendReadQuorum(f.readRound)
	f.confirmReads()
}

func (f *fsm) sendReadQuorum(round uint64) {
	cfg := f.log.Configuration()
	for id := range f.progress {
		if cfg.CanVote(id) {
			f.send(id, &Message{Term: f.term, ReadQuorum: &ReadQuorum{ID: round}})
		}
	}
}

// confirmReads resolves every read whose round was acknowledged by a quorum.
func (f *fsm) confirmReads() {
	cfg := f.log.Configuration()
	n := 0
	for _, r := range f.reads {
		round := r.round
		ok := cfg.hasQuorum(func(id ServerID) bool {
			if id == f.id {
				return true
			}
			pr, ok := f.progress[id]
			return ok && pr.readAck >= round
		})
		if !ok {
			break
		}
		f.finishRead(r, nil)
		n++
	}
	f.reads = f.reads[n:]
}

func (f *fsm) finishRead(r pendingRead, err error) {
	if r.from == f.id {
		f.out.reads = append(f.out.reads, readResult{id: r.id, index: r.index, err: err})
		return
	}
	f.send(r.from, &Message{Term: f.term, ReadBarrierReply: &ReadBarrierReply{
		ID:      r.id,
		Index:   r.index,
		Success: err == nil,
	}})
}

func (f *fsm) failReads(err error) {
	for _, r := range f.reads {
		f.finishRead(r, err)
	}
	f.reads = nil
}

func (f *fsm) failForwarded(err error) {
	for id := range f.forwarded {
		f.out.reads = append(f.out.reads, readResult{id: id, err: err})
		delete(f.forwarded, id)
	}
}

// tickForwarded expires forwarded reads the leader never answered.
func (f *fsm) tickForwarded() {
	for id, r := range f.forwarded {
		r.elapsed++
		if r.elapsed >= f.cfg.ElectionTimeout {
			f.out.reads = append(f.out.reads, readResult{id: id, err: ErrTimeout})
			delete(f.forwarded, id)
		}
	}
}

func (f *fsm) handleReadQuorum(m *Message) {
	if f.role != RoleFollower {
		f.becomeFollower(m.Term, m.From)
	}
	f.setLeader(m.From)
	f.resetElectionTimer()
	f.send(m.From, &Message{Term: f.term, ReadQuorumReply: &ReadQuorumReply{ID: m.ReadQuorum.ID}})
}

func (f *fsm) handleReadQuorumReply(m *Message) {
	pr, ok := f.progress[m.From]
	if f.role != RoleLeader || !ok {
		return
	}
	pr.contact()
	if id := m.ReadQuorumReply.ID; id > pr.readAck {
		pr.readAck = id
	}
	f.confirmReads()
}

func (f *fsm) handleReadBarrierRequest(m *Message) {
	if f.role != RoleLeader {
		f.send(m.From, &Message{Term: f.term, ReadBarrierReply: &ReadBarrierReply{ID: m.ReadBarrierRequest.ID}})
		return
	}
	f.addRead(m.From, m.ReadBarrierRequest.ID)
}

func (f *fsm) handleReadBarrierReply(m *Message) {
	id := m.ReadBarrierReply.ID
	if _, ok := f.forwarded[id]; !ok {
		return
	}
	delete(f.forwarded, id)
	if !m.ReadBarrierReply.Success {
		f.out.reads = append(f.out.reads, readResult{id: id, err: ErrNotLeader})
		return
	}
	f.out.reads = append(f.out.reads, readResult{id: id, index: m.ReadBarrierReply.Index})
}
