package raft

func (f *fsm) resetElectionTimer() {
	f.electionElapsed = 0
	f.randomizedTimeout = f.cfg.ElectionTimeout + f.rand.Intn(f.cfg.ElectionTimeout)
}

// inLease reports whether this server heard from a leader within the last
// election timeout. Such a server refuses to help depose that leader.
func (f *fsm) inLease() bool {
	return !f.leader.IsZero() && f.electionElapsed < f.cfg.ElectionTimeout
}

func (f *fsm) tickElection() {
	f.electionElapsed++
	if f.electionElapsed < f.randomizedTimeout {
		return
	}
	if !f.log.Configuration().CanVote(f.id) {
		return
	}
	// The failure detector still sees the leader: give it one more timeout.
	if f.role == RoleFollower && !f.leader.IsZero() && f.fd != nil && f.fd.IsAlive(f.leader) &&
		f.electionElapsed < f.randomizedTimeout+f.cfg.ElectionTimeout {
		return
	}
	f.campaign(false)
}

// elapseElection makes a non-leader campaign immediately, ignoring the
// failure detector.
func (f *fsm) elapseElection() {
	if f.role == RoleLeader || !f.log.Configuration().CanVote(f.id) {
		return
	}
	f.campaign(false)
}

// campaign starts an election. Forced elections skip the pre-vote round.
func (f *fsm) campaign(force bool) {
	if f.cfg.EnablePrevoting && !force {
		f.becomePreCandidate()
		return
	}
	f.becomeCandidate(force)
}

func (f *fsm) becomePreCandidate() {
	f.role = RolePreCandidate
	f.setLeader(NoServer)
	f.resetElectionTimer()
	f.votes = newVotes(f.log.Configuration())
	f.votes.record(f.id, true)
	f.logger.Info("starting pre-vote", "server", f.id.String(), "term", uint64(f.term))
	if f.votes.result() == voteWon {
		f.becomeCandidate(false)
		return
	}
	f.requestVotes(f.term+1, true, false)
}

func (f *fsm) becomeCandidate(force bool) {
	f.role = RoleCandidate
	f.term++
	f.votedFor = f.id
	f.out.termAndVote = true
	f.setLeader(NoServer)
	f.resetElectionTimer()
	f.votes = newVotes(f.log.Configuration())
	f.votes.record(f.id, true)
	f.logger.Info("starting election", "server", f.id.String(), "term", uint64(f.term), "force", force)
	if f.votes.result() == voteWon {
		f.becomeLeader()
		return
	}
	f.requestVotes(f.term, false, force)
}

func (f *fsm) requestVotes(term Term, prevote, force bool) {
	cfg := f.log.Configuration()
	for _, m := range cfg.Members() {
		if m.ID == f.id || !cfg.CanVote(m.ID) {
			continue
		}
		f.send(m.ID, &Message{
			Term: term,
			VoteRequest: &VoteRequest{
				LastLogIndex: f.log.LastIndex(),
				LastLogTerm:  f.log.LastTerm(),
				Prevote:      prevote,
				Force:        force,
			},
		})
	}
}

func (f *fsm) becomeLeader() {
	f.role = RoleLeader
	f.votes = nil
	f.leader = f.id
	f.electionElapsed = 0
	f.heartbeatElapsed = 0
	f.progress = make(map[ServerID]*PeerProgress)
	f.syncProgress()
	f.logger.Info("became leader", "server", f.id.String(), "term", uint64(f.term))

	noop := f.appendEntry(&LogEntry{Type: EntryNoop})
	f.termStart = noop.Index
	f.broadcast(true)
}

func (f *fsm) handleVoteRequest(m *Message) {
	req := m.VoteRequest
	upToDate := f.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm)

	if req.Prevote {
		// A pre-vote is granted when a real vote for the same term would be.
		granted := upToDate && (m.Term > f.term ||
			(m.Term == f.term && f.leader.IsZero() && (f.votedFor.IsZero() || f.votedFor == m.From)))
		term := m.Term
		if !granted && f.term > term {
			term = f.term
		}
		f.send(m.From, &Message{Term: term, VoteReply: &VoteReply{Granted: granted, Prevote: true}})
		return
	}

	granted := upToDate && (f.votedFor.IsZero() || f.votedFor == m.From)
	if granted {
		f.votedFor = m.From
		f.out.termAndVote = true
		f.resetElectionTimer()
	}
	f.logger.Debug("vote request",
		"server", f.id.String(), "from", m.From.String(), "term", uint64(f.term), "granted", granted)
	f.send(m.From, &Message{Term: f.term, VoteReply: &VoteReply{Granted: granted}})
}

func (f *fsm) handleVoteReply(m *Message) {
	r := m.VoteReply
	if r.Prevote {
		if f.role != RolePreCandidate || m.Term != f.term+1 {
			return
		}
	} else if f.role != RoleCandidate || m.Term != f.term {
		return
	}

	f.votes.record(m.From, r.Granted)
	switch f.votes.result() {
	case voteWon:
		if r.Prevote {
			f.becomeCandidate(false)
		} else {
			f.becomeLeader()
		}
	case voteLost:
		f.logger.Info("election lost", "server", f.id.String(), "term", uint64(f.term), "prevote", r.Prevote)
		f.becomeFollower(f.term, NoServer)
	}
}

func (f *fsm) handleTimeoutNow(m *Message) {
	if f.role == RoleLeader || !f.log.Configuration().CanVote(f.id) {
		return
	}
	f.logger.Info("leadership transfer requested", "server", f.id.String(), "from", m.From.String())
	f.campaign(true)
}

// tickLeader drives heartbeats, check quorum and leadership transfer.
func (f *fsm) tickLeader() {
	f.heartbeatElapsed++
	f.electionElapsed++
	for _, pr := range f.progress {
		pr.LastContact++
		if pr.State == ProgressSnapshot {
			pr.snapshotElapsed++
			if pr.snapshotElapsed >= f.cfg.ElectionTimeout {
				pr.becomeProbe()
			}
		}
	}

	if f.electionElapsed >= f.cfg.ElectionTimeout {
		f.electionElapsed = 0
		if !f.checkQuorum() {
			f.logger.Warn("lost contact with quorum, stepping down", "server", f.id.String(), "term", uint64(f.term))
			f.becomeFollower(f.term, NoServer)
			return
		}
	}

	if f.transfer != nil {
		f.transfer.elapsed++
		f.checkTransfer()
		if f.role != RoleLeader {
			return
		}
	}

	if f.heartbeatElapsed >= f.cfg.HeartbeatInterval {
		f.heartbeatElapsed = 0
		f.heartbeat()
	}
}

// checkQuorum reports whether a quorum answered since the previous check.
func (f *fsm) checkQuorum() bool {
	active := f.log.Configuration().hasQuorum(func(id ServerID) bool {
		if id == f.id {
			return true
		}
		pr, ok := f.progress[id]
		return ok && pr.recentActive
	})
	for _, pr := range f.progress {
		pr.recentActive = false
	}
	return active
}

// stepdown starts a leadership transfer lasting at most timeout ticks.
func (f *fsm) stepdown(timeout int) error {
	if f.role != RoleLeader {
		return ErrNotLeader
	}
	if f.transfer == nil {
		f.transfer = &leaderTransfer{timeout: timeout}
		f.logger.Info("stepping down", "server", f.id.String(), "term", uint64(f.term), "timeout", timeout)
	}
	f.checkTransfer()
	return nil
}

// checkTransfer hands leadership to a caught-up voter, or gives up once the
// transfer timed out.
func (f *fsm) checkTransfer() {
	if f.transfer == nil {
		return
	}
	if target := f.transferTarget(); !target.IsZero() {
		f.logger.Info("transferring leadership", "server", f.id.String(), "to", target.String(), "term", uint64(f.term))
		f.send(target, &Message{Term: f.term, TimeoutNow: &TimeoutNow{LastIndex: f.log.LastIndex()}})
		f.becomeFollower(f.term, NoServer)
		return
	}
	if f.transfer.elapsed >= f.transfer.timeout {
		f.transfer = nil
		f.out.stepdownDone = true
		f.out.stepdownErr = ErrTimeout
	}
}

// transferTarget returns a voter of the final configuration whose log matches
// the leader's, preferring servers the failure detector reports alive.
func (f *fsm) transferTarget() ServerID {
	cfg := f.log.Configuration()
	var fallback ServerID
	for _, m := range cfg.Current {
		if m.ID == f.id || !m.Voting {
			continue
		}
		pr, ok := f.progress[m.ID]
		if !ok || pr.Match != f.log.LastIndex() {
			continue
		}
		if f.fd == nil || f.fd.IsAlive(m.ID) {
			return m.ID
		}
		if fallback.IsZero() {
			fallback = m.ID
		}
	}
	return fallback
}
