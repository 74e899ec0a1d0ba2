package raft

import (
	"context"
	"sync"
	"time"
)

// applyItem is either a batch of committed entries or a snapshot to load.
type applyItem struct {
	entries  []*LogEntry
	snapshot *Snapshot
}

// applier feeds committed entries to the state machine on its own goroutine.
// The queue is unbounded so the owner never blocks on a slow state machine;
// admission control bounds it through MaxLogSize.
type applier struct {
	sm         StateMachine
	logger     Logger
	threshold  int
	onApplied  func(Index)
	onSnapshot func(index Index, data []byte)

	mu     sync.Mutex
	queue  []applyItem
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	applied     Index
	snapshotIdx Index

	// After a failed snapshot, none is attempted before snapshotAfter.
	snapshotBackoff time.Duration
	snapshotAfter   time.Time
}

const (
	minSnapshotBackoff = 10 * time.Millisecond
	maxSnapshotBackoff = 5 * time.Second
)

func newApplier(sm StateMachine, logger Logger, threshold int, applied Index,
	onApplied func(Index), onSnapshot func(Index, []byte)) *applier {
	ctx, cancel := context.WithCancel(context.Background())
	return &applier{
		sm:          sm,
		logger:      logger,
		threshold:   threshold,
		onApplied:   onApplied,
		onSnapshot:  onSnapshot,
		notify:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		applied:     applied,
		snapshotIdx: applied,
	}
}

func (a *applier) start() {
	go a.run()
}

// stop cancels pending work and waits for the goroutine to exit.
func (a *applier) stop() {
	a.cancel()
	<-a.done
}

func (a *applier) push(item applyItem) {
	a.mu.Lock()
	a.queue = append(a.queue, item)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *applier) take() []applyItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := a.queue
	a.queue = nil
	return items
}

func (a *applier) run() {
	defer close(a.done)
	var retry <-chan time.Time
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.notify:
		case <-retry:
			retry = nil
			a.maybeSnapshot()
		}
		for items := a.take(); len(items) > 0; items = a.take() {
			for _, it := range items {
				if !a.apply(it) {
					return
				}
			}
		}
		// A full log admits no entries, so a failed snapshot is retried
		// without waiting for new ones.
		if retry == nil && a.snapshotBackoff > 0 {
			retry = time.After(time.Until(a.snapshotAfter))
		}
	}
}

// apply processes one item. It returns false once the applier is stopped.
func (a *applier) apply(it applyItem) bool {
	if snp := it.snapshot; snp != nil {
		if !a.retry("load snapshot", func() error { return a.sm.LoadSnapshot(snp.Data) }) {
			return false
		}
		a.logger.Info("loaded snapshot", "index", uint64(snp.Index), "term", uint64(snp.Term))
		a.applied = snp.Index
		a.snapshotIdx = snp.Index
		a.onApplied(a.applied)
		return true
	}

	var cmds []Command
	last := a.applied
	for _, e := range it.entries {
		if e.Index <= a.applied {
			continue
		}
		if e.Type == EntryCommand {
			cmds = append(cmds, e.Command)
		}
		last = e.Index
	}
	if last == a.applied {
		return true
	}
	if len(cmds) > 0 {
		if !a.retry("apply", func() error { return a.sm.Apply(a.ctx, cmds) }) {
			return false
		}
	}
	a.applied = last
	a.onApplied(last)
	a.maybeSnapshot()
	return true
}

// maybeSnapshot takes a snapshot once threshold entries were applied since
// the last one. Failures back off exponentially.
func (a *applier) maybeSnapshot() {
	if int(a.applied-a.snapshotIdx) < a.threshold || time.Now().Before(a.snapshotAfter) {
		return
	}
	data, err := a.sm.TakeSnapshot()
	if err != nil {
		switch {
		case a.snapshotBackoff == 0:
			a.snapshotBackoff = minSnapshotBackoff
		case a.snapshotBackoff < maxSnapshotBackoff:
			a.snapshotBackoff *= 2
		}
		a.snapshotAfter = time.Now().Add(a.snapshotBackoff)
		a.logger.Error("take snapshot failed", "index", uint64(a.applied), "error", err, "backoff", a.snapshotBackoff)
		return
	}
	a.snapshotBackoff = 0
	a.snapshotAfter = time.Time{}
	a.snapshotIdx = a.applied
	a.onSnapshot(a.applied, data)
}

// retry runs fn until it succeeds or the applier stops. A state machine that
// cannot make progress must not be skipped over.
func (a *applier) retry(op string, fn func() error) bool {
	backoff := 10 * time.Millisecond
	for {
		err := fn()
		if err == nil {
			return true
		}
		if a.ctx.Err() != nil {
			return false
		}
		a.logger.Error("state machine "+op+" failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-a.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
