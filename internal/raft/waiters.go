package raft

import "sort"

// waiter is a caller blocked on the outcome of an entry or a read barrier.
type waiter struct {
	index Index
	term  Term
	kind  WaitType
	done  chan error
}

func newWaiter(index Index, term Term, kind WaitType) *waiter {
	return &waiter{index: index, term: term, kind: kind, done: make(chan error, 1)}
}

func (w *waiter) resolve(err error) {
	w.done <- err
}

// waiters tracks pending entries in index order. Waiters outlive leadership:
// the outcome is decided by what eventually commits at their index.
type waiters struct {
	commit []*waiter
	apply  []*waiter
}

func (ws *waiters) addCommit(w *waiter) {
	ws.commit = insertWaiter(ws.commit, w)
}

func (ws *waiters) addApply(w *waiter) {
	ws.apply = insertWaiter(ws.apply, w)
}

func insertWaiter(list []*waiter, w *waiter) []*waiter {
	i := sort.Search(len(list), func(i int) bool { return list[i].index > w.index })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = w
	return list
}

// committed resolves waiters at or below commit. termAt reports the term of
// the committed entry; an unknown term means a snapshot replaced it.
func (ws *waiters) committed(commit, applied Index, termAt func(Index) (Term, bool)) {
	n := 0
	for _, w := range ws.commit {
		if w.index > commit {
			break
		}
		n++
		t, ok := termAt(w.index)
		switch {
		case !ok:
			w.resolve(ErrCommitStatusUnknown)
		case t != w.term:
			w.resolve(ErrDroppedEntry)
		case w.kind == WaitCommitted || w.index <= applied:
			w.resolve(nil)
		default:
			ws.addApply(w)
		}
	}
	ws.commit = ws.commit[n:]
}

// applied resolves apply waiters at or below index.
func (ws *waiters) applied(index Index) {
	n := 0
	for _, w := range ws.apply {
		if w.index > index {
			break
		}
		w.resolve(nil)
		n++
	}
	ws.apply = ws.apply[n:]
}

// fail resolves every waiter with err.
func (ws *waiters) fail(err error) {
	for _, w := range ws.commit {
		w.resolve(err)
	}
	for _, w := range ws.apply {
		w.resolve(err)
	}
	ws.commit, ws.apply = nil, nil
}
