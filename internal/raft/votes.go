package raft

type voteResult uint8

const (
	votePending voteResult = iota
	voteWon
	voteLost
)

// votes tallies an election against a possibly joint configuration. A win
// needs a majority of the voters of every set.
type votes struct {
	config   Configuration
	response map[ServerID]bool
}

func newVotes(config Configuration) *votes {
	return &votes{config: config, response: make(map[ServerID]bool)}
}

// record stores the first answer of a voter; later answers are ignored.
func (v *votes) record(id ServerID, granted bool) {
	if !v.config.CanVote(id) {
		return
	}
	if _, ok := v.response[id]; ok {
		return
	}
	v.response[id] = granted
}

func (v *votes) result() voteResult {
	won := v.config.hasQuorum(func(id ServerID) bool {
		return v.response[id]
	})
	if won {
		return voteWon
	}
	// Lost once the voters that did not reject can no longer form a majority.
	possible := v.config.hasQuorum(func(id ServerID) bool {
		granted, ok := v.response[id]
		return !ok || granted
	})
	if !possible {
		return voteLost
	}
	return votePending
}
