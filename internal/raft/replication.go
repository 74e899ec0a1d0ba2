package raft

// syncProgress adds progress for new members of the latest configuration and
// drops it for departed ones.
func (f *fsm) syncProgress() {
	if f.role != RoleLeader {
		return
	}
	cfg := f.log.Configuration()
	members := make(map[ServerID]struct{})
	for _, m := range cfg.Members() {
		members[m.ID] = struct{}{}
		if m.ID == f.id {
			continue
		}
		if _, ok := f.progress[m.ID]; !ok {
			f.progress[m.ID] = newProgress(m.ID, f.log.LastIndex()+1)
		}
	}
	for id := range f.progress {
		if _, ok := members[id]; !ok {
			delete(f.progress, id)
		}
	}
}

// broadcast replicates to every peer. With heartbeat set, peers with nothing
// to send still get an empty append.
func (f *fsm) broadcast(heartbeat bool) {
	for _, pr := range f.progress {
		if !f.replicate(pr) && heartbeat {
			f.sendAppend(pr, true)
		}
	}
}

// heartbeat is sent every HeartbeatInterval ticks. Probing peers are resumed
// so that a lost request does not stall them.
func (f *fsm) heartbeat() {
	for _, pr := range f.progress {
		if pr.State == ProgressProbe {
			pr.InFlight = 0
		}
		f.sendAppend(pr, true)
	}
	if len(f.reads) > 0 {
		f.sendReadQuorum(f.readRound)
	}
}

// replicate sends as many batches as the peer's state allows. It reports
// whether anything was sent.
func (f *fsm) replicate(pr *PeerProgress) bool {
	sent := false
	for pr.Next <= f.log.LastIndex() && !pr.paused() {
		if !f.sendAppend(pr, false) {
			break
		}
		sent = true
	}
	return sent
}

// sendAppend sends one append request, or a snapshot when the entries the
// peer needs were compacted. Empty requests are only sent when allowEmpty.
func (f *fsm) sendAppend(pr *PeerProgress, allowEmpty bool) bool {
	if pr.State == ProgressSnapshot {
		return false
	}
	prev := pr.Next - 1
	prevTerm, ok := f.log.TermAt(prev)
	if !ok || pr.Next < f.log.FirstIndex() {
		f.sendSnapshot(pr)
		return true
	}
	var entries []*LogEntry
	if !pr.paused() {
		entries = f.log.Slice(pr.Next, f.log.LastIndex(), f.cfg.AppendRequestThreshold)
	}
	if len(entries) == 0 && !allowEmpty {
		return false
	}
	f.send(pr.ID, &Message{
		Term: f.term,
		AppendRequest: &AppendRequest{
			PrevLogIndex: prev,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: f.commitIdx,
		},
	})
	if len(entries) > 0 {
		pr.sent(entries[len(entries)-1].Index)
	}
	return true
}

func (f *fsm) sendSnapshot(pr *PeerProgress) {
	f.logger.Info("sending snapshot", "server", f.id.String(), "to", pr.ID.String(),
		"index", uint64(f.log.Snapshot().Index), "next", uint64(pr.Next))
	pr.becomeSnapshot()
	f.out.snapshotTo = append(f.out.snapshotTo, pr.ID)
}

func (f *fsm) handleAppendRequest(m *Message) {
	if f.role != RoleFollower {
		f.becomeFollower(m.Term, m.From)
	}
	f.setLeader(m.From)
	f.resetElectionTimer()

	req := m.AppendRequest
	prev, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries
	if prev < f.commitIdx {
		// Committed entries already match the leader.
		skip := 0
		for skip < len(entries) && entries[skip].Index <= f.commitIdx {
			skip++
		}
		entries = entries[skip:]
		prev = f.commitIdx
		prevTerm, _ = f.log.TermAt(prev)
	}

	if t, ok := f.log.TermAt(prev); !ok || t != prevTerm {
		conflict := f.log.conflictHint(prev)
		if conflict <= f.commitIdx {
			conflict = f.commitIdx + 1
		}
		f.logger.Debug("rejecting append", "server", f.id.String(), "prev", uint64(prev),
			"prev_term", uint64(prevTerm), "conflict", uint64(conflict))
		f.send(m.From, &Message{Term: f.term, AppendReply: &AppendReply{
			Index:         req.PrevLogIndex,
			ConflictIndex: conflict,
		}})
		return
	}

	last := prev
	if len(entries) > 0 {
		last = f.log.MaybeAppend(entries)
	}
	commit := req.LeaderCommit
	if commit > last {
		commit = last
	}
	f.commitTo(commit)
	f.send(m.From, &Message{Term: f.term, AppendReply: &AppendReply{Success: true, Index: last}})
}

func (f *fsm) handleAppendReply(m *Message) {
	pr, ok := f.progress[m.From]
	if f.role != RoleLeader || !ok {
		return
	}
	pr.contact()
	r := m.AppendReply

	if !r.Success {
		// Stale rejections of requests sent before the last reset.
		if r.Index < pr.Match || (pr.State == ProgressProbe && r.Index != pr.Next-1) {
			return
		}
		pr.reject(r.ConflictIndex)
		f.replicate(pr)
		return
	}

	if pr.State == ProgressSnapshot {
		return
	}
	updated := pr.maybeUpdate(r.Index)
	if pr.State == ProgressProbe {
		pr.becomePipeline()
	}
	if updated {
		f.maybeCommit()
		if f.role != RoleLeader {
			return
		}
		f.checkTransfer()
		if f.role != RoleLeader {
			return
		}
	}
	f.replicate(pr)
}

func (f *fsm) handleInstallSnapshot(m *Message) {
	if f.role != RoleFollower {
		f.becomeFollower(m.Term, m.From)
	}
	f.setLeader(m.From)
	f.resetElectionTimer()

	snp := m.InstallSnapshot.Snapshot
	if snp == nil {
		return
	}
	if snp.Index <= f.commitIdx {
		f.send(m.From, &Message{Term: f.term, SnapshotReply: &SnapshotReply{Success: true, Index: f.commitIdx}})
		return
	}
	f.logger.Info("installing snapshot", "server", f.id.String(), "index", uint64(snp.Index), "term", uint64(snp.Term))
	f.log.Restore(snp.Meta())
	f.commitIdx = snp.Index
	f.handedIdx = snp.Index
	f.out.snapshot = snp
	f.send(m.From, &Message{Term: f.term, SnapshotReply: &SnapshotReply{Success: true, Index: snp.Index}})
}

func (f *fsm) handleSnapshotReply(m *Message) {
	pr, ok := f.progress[m.From]
	if f.role != RoleLeader || !ok {
		return
	}
	pr.contact()
	if pr.State != ProgressSnapshot {
		return
	}
	pr.becomeProbe()
	if m.SnapshotReply.Success {
		pr.maybeUpdate(m.SnapshotReply.Index)
		f.maybeCommit()
		if f.role != RoleLeader {
			return
		}
	}
	f.replicate(pr)
}

// maybeCommit advances the commit index to the highest entry of the current
// term stored on a majority of every voter set.
func (f *fsm) maybeCommit() {
	cfg := f.log.Configuration()
	idx := cfg.committedIndex(func(id ServerID) Index {
		if id == f.id {
			return f.log.StableIndex()
		}
		if pr, ok := f.progress[id]; ok {
			return pr.Match
		}
		return 0
	})
	if idx <= f.commitIdx {
		return
	}
	// Entries of earlier terms commit only indirectly.
	if t, _ := f.log.TermAt(idx); t != f.term {
		return
	}
	f.commitTo(idx)
	if f.role == RoleLeader {
		f.broadcast(true)
	}
}
