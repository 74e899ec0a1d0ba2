package raft

import (
	"sync"
)

// Persistence stores the durable state of a server. Calls come from a single
// goroutine and must be durable when they return.
type Persistence interface {
	// StoreTermAndVote saves the current term and vote.
	StoreTermAndVote(term Term, vote ServerID) error
	// LoadTermAndVote returns the saved term and vote, zero values if none.
	LoadTermAndVote() (Term, ServerID, error)

	// StoreLogEntries appends entries following the last stored one.
	StoreLogEntries(entries []*LogEntry) error
	// TruncateLog removes every entry with index >= from.
	TruncateLog(from Index) error
	// LoadLog returns the stored entries with index >= from, in order.
	LoadLog(from Index) ([]*LogEntry, error)

	// StoreSnapshot replaces the stored snapshot and drops log entries with
	// index <= snp.Index - preserve.
	StoreSnapshot(snp *Snapshot, preserve int) error
	// LoadSnapshot returns the stored snapshot, nil if none.
	LoadSnapshot() (*Snapshot, error)
}

// Bootstrap stores the initial configuration of a new group as a snapshot at
// index zero. It is a no-op when p already holds a snapshot.
func Bootstrap(p Persistence, cfg Configuration) error {
	snp, err := p.LoadSnapshot()
	if err != nil {
		return err
	}
	if snp != nil {
		return nil
	}
	if len(cfg.Current) == 0 {
		return ErrInvalidConfiguration
	}
	return p.StoreSnapshot(&Snapshot{Config: Configuration{Current: normalize(cfg.Current)}}, 0)
}

// MemoryPersistence keeps durable state in memory. It survives a Server
// restart within one process, which is what tests need.
type MemoryPersistence struct {
	mu       sync.Mutex
	term     Term
	vote     ServerID
	entries  []*LogEntry
	snapshot *Snapshot
}

// NewMemoryPersistence creates an empty in-memory persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// StoreTermAndVote implements Persistence.
func (p *MemoryPersistence) StoreTermAndVote(term Term, vote ServerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.term, p.vote = term, vote
	return nil
}

// LoadTermAndVote implements Persistence.
func (p *MemoryPersistence) LoadTermAndVote() (Term, ServerID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term, p.vote, nil
}

// StoreLogEntries implements Persistence.
func (p *MemoryPersistence) StoreLogEntries(entries []*LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if n := len(p.entries); n > 0 && p.entries[n-1].Index+1 != e.Index {
			return ErrLogCorrupted
		}
		p.entries = append(p.entries, e)
	}
	return nil
}

// TruncateLog implements Persistence.
func (p *MemoryPersistence) TruncateLog(from Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.Index >= from {
			p.entries = p.entries[:i:i]
			break
		}
	}
	return nil
}

// LoadLog implements Persistence.
func (p *MemoryPersistence) LoadLog(from Index) ([]*LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*LogEntry
	for _, e := range p.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

// StoreSnapshot implements Persistence.
func (p *MemoryPersistence) StoreSnapshot(snp *Snapshot, preserve int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *snp
	cp.Data = append([]byte(nil), snp.Data...)
	cp.Config = snp.Config.Clone()
	p.snapshot = &cp

	var keepFrom Index = 1
	if uint64(snp.Index) > uint64(preserve) {
		keepFrom = snp.Index - Index(preserve) + 1
	}
	kept := p.entries[:0:0]
	for _, e := range p.entries {
		if e.Index >= keepFrom {
			kept = append(kept, e)
		}
	}
	p.entries = kept
	return nil
}

// LoadSnapshot implements Persistence.
func (p *MemoryPersistence) LoadSnapshot() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		return nil, nil
	}
	cp := *p.snapshot
	return &cp, nil
}
