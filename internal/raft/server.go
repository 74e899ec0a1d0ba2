package raft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Server lifecycle states.
const (
	serverNew int32 = iota
	serverRunning
	serverAborted
)

// maxBatch is the number of queued events handled before a flush.
const maxBatch = 64

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock replaces the default WallClock.
func WithClock(c Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithFailureDetector sets the failure detector. Without one every server is
// treated as possibly dead.
func WithFailureDetector(fd FailureDetector) Option {
	return func(s *Server) { s.fd = fd }
}

// observation is the state published after every flush.
type observation struct {
	status  *Status
	next    *observation // set before changed is closed
	changed chan struct{}
}

// Server is a member of a Raft group. All protocol state is owned by one
// goroutine; public methods talk to it through an event channel, and
// observers read a snapshot published after every state change.
type Server struct {
	id          ServerID
	cfg         Config
	persistence Persistence
	rpc         RPC
	sm          StateMachine
	fd          FailureDetector
	clock       Clock
	logger      Logger

	events    chan func()
	stop      chan struct{}
	done      chan struct{}
	state     atomic.Int32
	lifecycle sync.Mutex

	// Owned by the run goroutine.
	fsm       *fsm
	log       *Log
	snapshot  *Snapshot
	waiters   waiters
	reads     map[uint64]*waiter
	readSeq   uint64
	stepdowns []chan error
	senders   map[ServerID]*sender
	members   map[ServerID]struct{}
	applied   Index
	applier   *applier

	observed atomic.Pointer[observation]
}

// NewServer creates a server. It does nothing until Start.
func NewServer(id ServerID, cfg Config, p Persistence, rpc RPC, sm StateMachine, opts ...Option) (*Server, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: server id is zero", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		id:          id,
		cfg:         cfg,
		persistence: p,
		rpc:         rpc,
		sm:          sm,
		logger:      &defaultLogger{},
		events:      make(chan func(), 1024),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		reads:       make(map[uint64]*waiter),
		senders:     make(map[ServerID]*sender),
		members:     make(map[ServerID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the server's ID.
func (s *Server) ID() ServerID {
	return s.id
}

// Start loads the persisted state, restores the state machine from the
// latest snapshot and starts serving.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.state.Load() {
	case serverRunning:
		return nil
	case serverAborted:
		return ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	term, vote, err := s.persistence.LoadTermAndVote()
	if err != nil {
		return err
	}
	snp, err := s.persistence.LoadSnapshot()
	if err != nil {
		return err
	}
	var meta SnapshotMeta
	if snp != nil {
		meta = snp.Meta()
	}
	entries, err := s.persistence.LoadLog(0)
	if err != nil {
		return err
	}
	kept, err := alignLog(meta, entries)
	if err != nil {
		return err
	}
	if len(kept) < len(entries) {
		s.logger.Warn("dropping log entries that do not follow the snapshot", "server", s.id.String(),
			"snapshot", uint64(meta.Index), "dropped", len(entries)-len(kept))
		if err := s.persistence.TruncateLog(entries[0].Index); err != nil {
			return err
		}
		entries = kept
	}

	s.log = NewLog(meta, entries)
	s.fsm = newFSM(s.id, s.cfg, s.log, term, vote, s.fd, s.logger)
	if snp != nil && snp.Index > 0 {
		if err := s.sm.LoadSnapshot(snp.Data); err != nil {
			return err
		}
		s.snapshot = snp
		s.applied = snp.Index
	}
	s.applier = newApplier(s.sm, s.logger, s.cfg.SnapshotThreshold, s.applied, s.onApplied, s.onSnapshot)

	if err := s.rpc.Listen(s.receive); err != nil {
		return err
	}
	if s.clock == nil {
		s.clock = NewWallClock(s.cfg.TickInterval)
	}
	s.applier.start()
	s.syncMembers()
	s.publish()
	s.state.Store(serverRunning)
	go s.run()

	s.logger.Info("server started", "server", s.id.String(), "term", uint64(term),
		"snapshot", uint64(meta.Index), "last_index", uint64(s.log.LastIndex()))
	return nil
}

// alignLog checks that persisted entries continue the snapshot. Entries are
// dropped when they end before the snapshot or disagree with its term at the
// snapshot index, as left by a crash while a snapshot was being stored.
func alignLog(meta SnapshotMeta, entries []*LogEntry) ([]*LogEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	first := entries[0].Index
	if entries[len(entries)-1].Index < meta.Index {
		return nil, nil
	}
	if first > meta.Index+1 {
		return nil, fmt.Errorf("%w: log starts at %d after snapshot %d", ErrLogCorrupted, first, meta.Index)
	}
	if first <= meta.Index && meta.Index > 0 && entries[meta.Index-first].Term != meta.Term {
		return nil, nil
	}
	return entries, nil
}

// Abort stops the server. Pending operations fail with ErrAborted.
func (s *Server) Abort() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev := s.state.Swap(serverAborted)
	if prev == serverAborted {
		return
	}
	close(s.stop)
	if prev != serverRunning {
		return
	}
	s.clock.Stop()

	<-s.done
	if err := s.rpc.Close(); err != nil {
		s.logger.Warn("closing rpc failed", "server", s.id.String(), "error", err)
	}
	s.applier.stop()
	for id, sd := range s.senders {
		sd.close()
		sd.wait()
		delete(s.senders, id)
	}
	s.waiters.fail(ErrAborted)
	for id, w := range s.reads {
		w.resolve(ErrAborted)
		delete(s.reads, id)
	}
	for _, ch := range s.stepdowns {
		ch <- ErrAborted
	}
	s.stepdowns = nil
	s.logger.Info("server aborted", "server", s.id.String())
}

// AddEntry appends a command to the replicated log and waits until it is
// committed or applied locally, depending on wait.
func (s *Server) AddEntry(ctx context.Context, cmd Command, wait WaitType) error {
	return s.addEntry(ctx, EntryCommand, cmd, wait)
}

func (s *Server) addEntry(ctx context.Context, typ uint8, cmd Command, wait WaitType) error {
	var w *waiter
	err := s.do(ctx, func() error {
		e, err := s.fsm.propose(typ, cmd)
		if err != nil {
			return err
		}
		w = newWaiter(e.Index, e.Term, wait)
		s.waiters.addCommit(w)
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx, w)
}

// SetConfiguration changes the members of the group with joint consensus.
// It returns once the final configuration is committed and applied locally.
func (s *Server) SetConfiguration(ctx context.Context, members []ServerAddress) error {
	var joint *waiter
	err := s.do(ctx, func() error {
		e, err := s.fsm.proposeConfiguration(members)
		if err != nil || e == nil {
			return err
		}
		joint = newWaiter(e.Index, e.Term, WaitCommitted)
		s.waiters.addCommit(joint)
		return nil
	})
	if err != nil || joint == nil {
		return err
	}
	if err := s.wait(ctx, joint); err != nil {
		return err
	}

	// The leader appends the final configuration as soon as the joint one
	// commits.
	var final *waiter
	err = s.do(ctx, func() (err error) {
		final, err = s.finalConfiguration()
		return err
	})
	if err != nil {
		return err
	}
	if final != nil {
		if err := s.wait(ctx, final); err != nil {
			return err
		}
	}
	if !s.IsLeader() {
		// A leader removed by the change has already stepped down.
		return nil
	}
	err = s.addEntry(ctx, EntryNoop, nil, WaitApplied)
	if err == ErrNotLeader {
		return nil
	}
	return err
}

// finalConfiguration returns a waiter for the final configuration entry that
// follows a committed joint one, or nil if it is already applied. A
// configuration still joint means leadership was lost before the final entry
// was appended, so the outcome of the change is unknown.
func (s *Server) finalConfiguration() (*waiter, error) {
	if s.log.Configuration().IsJoint() {
		return nil, ErrCommitStatusUnknown
	}
	idx := s.log.LastConfIndex()
	t, ok := s.log.TermAt(idx)
	if !ok || idx <= s.applied {
		return nil, nil
	}
	w := newWaiter(idx, t, WaitApplied)
	s.waiters.addCommit(w)
	return w, nil
}

// Stepdown transfers leadership to a caught-up voter. timeout is in ticks.
func (s *Server) Stepdown(ctx context.Context, timeout int) error {
	ch := make(chan error, 1)
	err := s.do(ctx, func() error {
		if err := s.fsm.stepdown(timeout); err != nil {
			return err
		}
		s.stepdowns = append(s.stepdowns, ch)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadBarrier waits until the local state machine reflects every entry
// committed before the call. Followers ask the leader for the read index.
func (s *Server) ReadBarrier(ctx context.Context) error {
	var w *waiter
	err := s.do(ctx, func() error {
		s.readSeq++
		id := s.readSeq
		if err := s.fsm.readBarrier(id); err != nil {
			return err
		}
		w = newWaiter(0, 0, WaitApplied)
		s.reads[id] = w
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx, w)
}

func (s *Server) wait(ctx context.Context, w *waiter) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick advances logical time by one tick.
func (s *Server) Tick() {
	_ = s.do(context.Background(), func() error {
		s.fsm.tick()
		return nil
	})
}

// ElapseElection makes a follower start an election now.
func (s *Server) ElapseElection() {
	_ = s.do(context.Background(), func() error {
		s.fsm.elapseElection()
		return nil
	})
}

// usable reports whether the server accepts requests.
func (s *Server) usable() error {
	switch s.state.Load() {
	case serverNew:
		return ErrNotStarted
	case serverAborted:
		return ErrAborted
	}
	return nil
}

// do runs fn on the owner goroutine and returns its result.
func (s *Server) do(ctx context.Context, fn func() error) error {
	if err := s.usable(); err != nil {
		return err
	}
	res := make(chan error, 1)
	if err := s.enqueue(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) enqueue(ctx context.Context, fn func()) error {
	select {
	case s.events <- fn:
		return nil
	case <-s.stop:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive is the MessageHandler given to the RPC.
func (s *Server) receive(m *Message) {
	_ = s.enqueue(context.Background(), func() { s.fsm.step(m) })
}

func (s *Server) onApplied(index Index) {
	_ = s.enqueue(context.Background(), func() {
		s.applied = index
		s.waiters.applied(index)
	})
}

func (s *Server) onSnapshot(index Index, data []byte) {
	_ = s.enqueue(context.Background(), func() { s.snapshotTaken(index, data) })
}

func (s *Server) run() {
	defer close(s.done)
	ticks := s.clock.Ticks()
	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.events:
			fn()
			s.drain()
		case <-ticks:
			s.fsm.tick()
		}
		s.flush()
	}
}

// drain runs queued events so that one flush covers them all.
func (s *Server) drain() {
	for i := 0; i < maxBatch; i++ {
		select {
		case fn := <-s.events:
			fn()
		default:
			return
		}
	}
}

// flush applies fsm output: persist, then send, then hand entries to the
// applier, then resolve waiters, then publish.
func (s *Server) flush() {
	for {
		out := s.fsm.takeOutput()
		if !s.persist(out) {
			return
		}
		s.fsm.stable()
		s.dispatch(out)
		if !s.fsm.pending() {
			break
		}
	}
	s.syncMembers()
	s.publish()
}

// persist makes term, vote, snapshot and log durable. It returns false only
// when the server is aborted while retrying.
func (s *Server) persist(out output) bool {
	if out.termAndVote {
		term, vote := s.fsm.term, s.fsm.votedFor
		if !s.retry("store term and vote", func() error { return s.persistence.StoreTermAndVote(term, vote) }) {
			return false
		}
	}
	if snp := out.snapshot; snp != nil {
		if !s.retry("store snapshot", func() error { return s.persistence.StoreSnapshot(snp, 0) }) {
			return false
		}
		s.snapshot = snp
	}
	from, entries := s.log.Unstable()
	if from > 0 {
		if !s.retry("truncate log", func() error { return s.persistence.TruncateLog(from) }) {
			return false
		}
	}
	if len(entries) > 0 {
		if !s.retry("store log entries", func() error { return s.persistence.StoreLogEntries(entries) }) {
			return false
		}
	}
	s.log.StableTo(s.log.LastIndex())
	return true
}

func (s *Server) dispatch(out output) {
	for _, env := range out.messages {
		s.sendTo(env.to, env.msg)
	}
	for _, id := range out.snapshotTo {
		if s.snapshot == nil || !s.fsm.isLeader() {
			continue
		}
		s.sendTo(id, &Message{From: s.id, Term: s.fsm.term, InstallSnapshot: &InstallSnapshot{Snapshot: s.snapshot}})
	}

	if out.snapshot != nil {
		s.applier.push(applyItem{snapshot: out.snapshot})
	}
	if len(out.committed) > 0 {
		s.applier.push(applyItem{entries: out.committed})
	}

	s.waiters.committed(s.fsm.commitIdx, s.applied, s.log.TermAt)
	for _, r := range out.reads {
		w, ok := s.reads[r.id]
		if !ok {
			continue
		}
		delete(s.reads, r.id)
		switch {
		case r.err != nil:
			w.resolve(r.err)
		case r.index <= s.applied:
			w.resolve(nil)
		default:
			w.index = r.index
			s.waiters.addApply(w)
		}
	}
	if out.stepdownDone {
		for _, ch := range s.stepdowns {
			ch <- out.stepdownErr
		}
		s.stepdowns = nil
	}
}

// retry runs a persistence operation until it succeeds. Storage failures are
// not surfaced to callers; the server stalls until storage recovers.
func (s *Server) retry(op string, fn func() error) bool {
	backoff := 10 * time.Millisecond
	for {
		err := fn()
		if err == nil {
			return true
		}
		s.logger.Error(op+" failed, retrying", "server", s.id.String(), "error", err, "backoff", backoff)
		select {
		case <-s.stop:
			return false
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (s *Server) sendTo(to ServerID, m *Message) {
	if to == s.id {
		return
	}
	sd, ok := s.senders[to]
	if !ok {
		timeout := s.cfg.TickInterval * time.Duration(s.cfg.ElectionTimeout)
		sd = newSender(to, s.rpc, timeout, s.logger)
		s.senders[to] = sd
	}
	sd.lastUsed = time.Now()
	sd.enqueue(m)
}

// syncMembers tells the RPC about joined and departed members.
func (s *Server) syncMembers() {
	current := make(map[ServerID]struct{})
	for _, m := range s.log.Configuration().Members() {
		if m.ID == s.id {
			continue
		}
		current[m.ID] = struct{}{}
		if _, ok := s.members[m.ID]; !ok {
			s.logger.Debug("adding server", "server", s.id.String(), "peer", m.ID.String())
			s.rpc.AddServer(m.ID, m.Info)
		}
	}
	for id := range s.members {
		if _, ok := current[id]; !ok {
			s.logger.Debug("removing server", "server", s.id.String(), "peer", id.String())
			s.rpc.RemoveServer(id)
		}
	}
	// A server outside the configuration keeps its sender until it goes
	// idle. Joining servers and a leader removing itself still get replies.
	idle := s.cfg.TickInterval * time.Duration(2*s.cfg.ElectionTimeout)
	for id, sd := range s.senders {
		if _, ok := current[id]; !ok && time.Since(sd.lastUsed) > idle {
			sd.close()
			delete(s.senders, id)
		}
	}
	s.members = current
}

// snapshotTaken persists a snapshot produced by the applier and compacts the
// log behind it.
func (s *Server) snapshotTaken(index Index, data []byte) {
	if index <= s.log.Snapshot().Index {
		return
	}
	term, ok := s.log.TermAt(index)
	if !ok {
		return
	}
	snp := &Snapshot{Index: index, Term: term, Config: s.log.ConfigurationAt(index).Clone(), Data: data}
	if !s.retry("store snapshot", func() error { return s.persistence.StoreSnapshot(snp, s.cfg.SnapshotTrailing) }) {
		return
	}
	s.snapshot = snp
	s.fsm.snapshotTaken(snp.Meta())
	s.logger.Info("snapshot taken", "server", s.id.String(), "index", uint64(index), "term", uint64(term))
}

func (s *Server) publish() {
	st := s.fsm.status()
	st.AppliedIndex = s.applied
	obs := &observation{status: st, changed: make(chan struct{})}
	if old := s.observed.Swap(obs); old != nil {
		old.next = obs
		close(old.changed)
	}
}

// Status returns the latest published state, nil before Start.
func (s *Server) Status() *Status {
	if obs := s.observed.Load(); obs != nil {
		return obs.status
	}
	return nil
}

// GetCurrentTerm returns the current term.
func (s *Server) GetCurrentTerm() Term {
	if st := s.Status(); st != nil {
		return st.Term
	}
	return 0
}

// GetConfiguration returns the latest configuration, possibly uncommitted.
func (s *Server) GetConfiguration() Configuration {
	if st := s.Status(); st != nil {
		return st.Configuration.Clone()
	}
	return Configuration{}
}

// LogLastIdxTerm returns the index and term of the last log entry.
func (s *Server) LogLastIdxTerm() (Index, Term) {
	if st := s.Status(); st != nil {
		return st.LastIndex, st.LastTerm
	}
	return 0, 0
}

// IsLeader reports whether this server is the leader.
func (s *Server) IsLeader() bool {
	st := s.Status()
	return st != nil && st.Role == RoleLeader
}

// Leader returns the known leader, NoServer if none.
func (s *Server) Leader() ServerID {
	if st := s.Status(); st != nil {
		return st.Leader
	}
	return NoServer
}

// WaitUntilCandidate blocks until the server runs an election.
func (s *Server) WaitUntilCandidate(ctx context.Context) error {
	return s.waitFor(ctx, func(st *Status) bool {
		return st.Role == RolePreCandidate || st.Role == RoleCandidate
	})
}

// WaitElectionDone blocks until the server is no longer running an election.
func (s *Server) WaitElectionDone(ctx context.Context) error {
	return s.waitFor(ctx, func(st *Status) bool {
		return st.Role != RolePreCandidate && st.Role != RoleCandidate
	})
}

// WaitLeadership blocks until IsLeader would return leader.
func (s *Server) WaitLeadership(ctx context.Context, leader bool) error {
	return s.waitFor(ctx, func(st *Status) bool {
		return (st.Role == RoleLeader) == leader
	})
}

// WaitLogIdxTerm blocks until the log reaches index with a last term of at
// least term.
func (s *Server) WaitLogIdxTerm(ctx context.Context, index Index, term Term) error {
	return s.waitFor(ctx, func(st *Status) bool {
		return st.LastIndex >= index && st.LastTerm >= term
	})
}

// WaitApplied blocks until the local state machine applied index.
func (s *Server) WaitApplied(ctx context.Context, index Index) error {
	return s.waitFor(ctx, func(st *Status) bool {
		return st.AppliedIndex >= index
	})
}

func (s *Server) waitFor(ctx context.Context, pred func(*Status) bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	// Every published state is visited, so short-lived roles are not missed.
	obs := s.observed.Load()
	for {
		if pred(obs.status) {
			return nil
		}
		select {
		case <-obs.changed:
			obs = obs.next
		case <-s.done:
			return ErrAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
