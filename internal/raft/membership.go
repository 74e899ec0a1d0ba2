package raft

// proposeConfiguration starts a joint-consensus change to members. It returns
// a nil entry when members equal the current configuration.
func (f *fsm) proposeConfiguration(members []ServerAddress) (*LogEntry, error) {
	if f.role != RoleLeader || f.transfer != nil {
		return nil, ErrNotLeader
	}
	cur := f.log.Configuration()
	if cur.IsJoint() || f.log.LastConfIndex() > f.commitIdx {
		return nil, ErrConfChangeInProgress
	}
	if sameSet(cur.Current, members) {
		return nil, nil
	}
	if err := validateTransition(cur.Current, members); err != nil {
		return nil, err
	}
	if f.log.Len() >= f.cfg.MaxLogSize {
		return nil, ErrLogFull
	}

	joint := cur.enterJoint(members)
	f.logger.Info("entering joint configuration", "server", f.id.String(), "term", uint64(f.term),
		"old", len(joint.Previous), "new", len(joint.Current))
	e := f.appendEntry(&LogEntry{Type: EntryConfig, Config: &joint})
	f.broadcast(false)
	return e, nil
}

// onLeaderCommit finishes configuration changes once their entry commits: a
// committed joint configuration is followed by the final one, and a leader
// outside the committed final voter set steps down.
func (f *fsm) onLeaderCommit() {
	if f.log.LastConfIndex() > f.commitIdx {
		return
	}
	cfg := f.log.Configuration()
	if cfg.IsJoint() {
		final := cfg.leaveJoint()
		f.logger.Info("leaving joint configuration", "server", f.id.String(), "term", uint64(f.term))
		f.appendEntry(&LogEntry{Type: EntryConfig, Config: &final})
		return
	}
	if !cfg.CanVote(f.id) {
		// Followers learn the final commit from this leader, not its successor.
		f.broadcast(true)
		f.logger.Info("not a voter of the committed configuration, stepping down",
			"server", f.id.String(), "term", uint64(f.term))
		f.becomeFollower(f.term, NoServer)
	}
}
