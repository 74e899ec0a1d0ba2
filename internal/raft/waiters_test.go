package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolved(t *testing.T, w *waiter) error {
	t.Helper()
	select {
	case err := <-w.done:
		return err
	default:
		t.Fatalf("waiter for index %d not resolved", w.index)
		return nil
	}
}

func pendingWaiter(t *testing.T, w *waiter) {
	t.Helper()
	select {
	case err := <-w.done:
		t.Fatalf("waiter for index %d resolved early: %v", w.index, err)
	default:
	}
}

func TestWaitersCommitOutcomes(t *testing.T) {
	terms := map[Index]Term{1: 1, 2: 2, 3: 2}
	termAt := func(i Index) (Term, bool) {
		t, ok := terms[i]
		return t, ok
	}

	var ws waiters
	kept := newWaiter(1, 1, WaitCommitted)
	dropped := newWaiter(2, 1, WaitCommitted)
	unknown := newWaiter(5, 1, WaitCommitted)
	later := newWaiter(6, 2, WaitCommitted)
	for _, w := range []*waiter{later, unknown, dropped, kept} {
		ws.addCommit(w)
	}

	ws.committed(5, 0, termAt)
	assert.NoError(t, resolved(t, kept))
	assert.ErrorIs(t, resolved(t, dropped), ErrDroppedEntry)
	assert.ErrorIs(t, resolved(t, unknown), ErrCommitStatusUnknown)
	pendingWaiter(t, later)
	assert.Len(t, ws.commit, 1)
}

func TestWaitersApplyAfterCommit(t *testing.T) {
	termAt := func(Index) (Term, bool) { return 1, true }

	var ws waiters
	w := newWaiter(3, 1, WaitApplied)
	ws.addCommit(w)

	ws.committed(3, 1, termAt)
	pendingWaiter(t, w)
	require.Len(t, ws.apply, 1)

	ws.applied(2)
	pendingWaiter(t, w)
	ws.applied(3)
	assert.NoError(t, resolved(t, w))
	assert.Empty(t, ws.apply)

	// Already applied when committed.
	w = newWaiter(2, 1, WaitApplied)
	ws.addCommit(w)
	ws.committed(3, 3, termAt)
	assert.NoError(t, resolved(t, w))
}

func TestWaitersFail(t *testing.T) {
	var ws waiters
	a := newWaiter(1, 1, WaitCommitted)
	b := newWaiter(2, 1, WaitApplied)
	ws.addCommit(a)
	ws.addApply(b)

	ws.fail(ErrAborted)
	assert.ErrorIs(t, resolved(t, a), ErrAborted)
	assert.ErrorIs(t, resolved(t, b), ErrAborted)
	assert.Empty(t, ws.commit)
	assert.Empty(t, ws.apply)
}

func TestApplierAppliesInOrder(t *testing.T) {
	sm := newMockStateMachine()
	appliedCh := make(chan Index, 16)
	a := newApplier(sm, &defaultLogger{}, 100, 0, func(i Index) { appliedCh <- i }, func(Index, []byte) {})
	a.start()
	defer a.stop()

	a.push(applyItem{entries: []*LogEntry{
		{Index: 1, Term: 1, Type: EntryNoop},
		{Index: 2, Term: 1, Type: EntryCommand, Command: Command("a")},
	}})
	a.push(applyItem{entries: []*LogEntry{
		// Already applied entries are skipped.
		{Index: 2, Term: 1, Type: EntryCommand, Command: Command("a")},
		{Index: 3, Term: 1, Type: EntryCommand, Command: Command("b")},
	}})

	require.Eventually(t, func() bool {
		return len(sm.commands()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sm.commands())

	var last Index
	for last < 3 {
		i := <-appliedCh
		assert.Greater(t, i, last)
		last = i
	}
}

func TestApplierRetriesFailedApply(t *testing.T) {
	sm := newMockStateMachine()
	sm.failNext(2)
	appliedCh := make(chan Index, 16)
	a := newApplier(sm, &defaultLogger{}, 100, 0, func(i Index) { appliedCh <- i }, func(Index, []byte) {})
	a.start()
	defer a.stop()

	a.push(applyItem{entries: []*LogEntry{{Index: 1, Term: 1, Type: EntryCommand, Command: Command("x")}}})

	select {
	case i := <-appliedCh:
		assert.Equal(t, Index(1), i)
	case <-time.After(2 * time.Second):
		t.Fatal("entry not applied")
	}
	assert.Equal(t, []string{"x"}, sm.commands())
}

func TestApplierTakesSnapshots(t *testing.T) {
	sm := newMockStateMachine()
	snapCh := make(chan Index, 4)
	a := newApplier(sm, &defaultLogger{}, 3, 0, func(Index) {}, func(i Index, data []byte) {
		assert.NotEmpty(t, data)
		snapCh <- i
	})
	a.start()
	defer a.stop()

	a.push(applyItem{entries: entries(1, 1, 2)})
	a.push(applyItem{entries: entries(1, 3, 4)})

	select {
	case i := <-snapCh:
		assert.Equal(t, Index(4), i)
	case <-time.After(time.Second):
		t.Fatal("no snapshot taken")
	}
}

func TestApplierRetriesFailedSnapshot(t *testing.T) {
	sm := newMockStateMachine()
	sm.failSnapshots(3)
	snapCh := make(chan Index, 4)
	a := newApplier(sm, &defaultLogger{}, 3, 0, func(Index) {}, func(i Index, data []byte) {
		snapCh <- i
	})
	a.start()
	defer a.stop()

	// No further entries arrive after the failures.
	a.push(applyItem{entries: entries(1, 1, 4)})

	select {
	case i := <-snapCh:
		assert.Equal(t, Index(4), i)
	case <-time.After(2 * time.Second):
		t.Fatal("failed snapshot was not retried")
	}
	assert.Equal(t, 1, sm.snapshotCount())
}

func TestApplierLoadsSnapshot(t *testing.T) {
	sm := newMockStateMachine()
	appliedCh := make(chan Index, 4)
	a := newApplier(sm, &defaultLogger{}, 100, 0, func(i Index) { appliedCh <- i }, func(Index, []byte) {})
	a.start()
	defer a.stop()

	image, err := (&mockStateMachine{applied: []Command{Command("x"), Command("y")}}).TakeSnapshot()
	require.NoError(t, err)
	a.push(applyItem{snapshot: &Snapshot{Index: 7, Term: 2, Data: image}})
	a.push(applyItem{entries: entries(2, 5, 8)})

	assert.Equal(t, Index(7), <-appliedCh)
	assert.Equal(t, Index(8), <-appliedCh)
	assert.Equal(t, []string{"x", "y", "\x08"}, sm.commands())
	assert.Equal(t, 1, sm.loadCount())
}
