package raft

import (
	"bytes"
	"sort"
)

// ServerAddress is a member of a configuration. Info is opaque routing or
// credential data handed to the RPC collaborator.
type ServerAddress struct {
	ID     ServerID
	Voting bool
	Info   []byte
}

// Configuration is the set of members of a group. During a joint-consensus
// transition Previous holds the old members and Current the new ones.
type Configuration struct {
	Current  []ServerAddress
	Previous []ServerAddress
}

// NewConfiguration builds a non-joint configuration of voting members.
func NewConfiguration(ids ...ServerID) Configuration {
	members := make([]ServerAddress, 0, len(ids))
	for _, id := range ids {
		members = append(members, ServerAddress{ID: id, Voting: true})
	}
	return Configuration{Current: normalize(members)}
}

// IsJoint reports whether the configuration is in transition.
func (c Configuration) IsJoint() bool {
	return len(c.Previous) > 0
}

// Contains reports whether id is a member of either set.
func (c Configuration) Contains(id ServerID) bool {
	_, ok := c.Member(id)
	return ok
}

// Member returns the address of id, preferring the current set.
func (c Configuration) Member(id ServerID) (ServerAddress, bool) {
	for _, m := range c.Current {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range c.Previous {
		if m.ID == id {
			return m, true
		}
	}
	return ServerAddress{}, false
}

// CanVote reports whether id is a voter in either set.
func (c Configuration) CanVote(id ServerID) bool {
	return isVoter(c.Current, id) || isVoter(c.Previous, id)
}

// Members returns the union of both sets, current entries first.
func (c Configuration) Members() []ServerAddress {
	seen := make(map[ServerID]struct{}, len(c.Current)+len(c.Previous))
	out := make([]ServerAddress, 0, len(c.Current)+len(c.Previous))
	for _, set := range [][]ServerAddress{c.Current, c.Previous} {
		for _, m := range set {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	return Configuration{Current: cloneSet(c.Current), Previous: cloneSet(c.Previous)}
}

// Equal reports whether both configurations have identical sets.
func (c Configuration) Equal(o Configuration) bool {
	return sameSet(c.Current, o.Current) && sameSet(c.Previous, o.Previous)
}

// enterJoint returns the joint configuration moving from c to next.
func (c Configuration) enterJoint(next []ServerAddress) Configuration {
	return Configuration{Current: normalize(next), Previous: cloneSet(c.Current)}
}

// leaveJoint returns the final configuration of a joint one.
func (c Configuration) leaveJoint() Configuration {
	return Configuration{Current: cloneSet(c.Current)}
}

// validateTransition checks a requested change from current to next. The new
// set must have at least one voter and keep at least one voter of the old set.
func validateTransition(current, next []ServerAddress) error {
	ids := make(map[ServerID]struct{}, len(next))
	voters := 0
	for _, m := range next {
		if m.ID.IsZero() {
			return ErrInvalidConfiguration
		}
		if _, dup := ids[m.ID]; dup {
			return ErrInvalidConfiguration
		}
		ids[m.ID] = struct{}{}
		if m.Voting {
			voters++
		}
	}
	if voters == 0 {
		return ErrInvalidConfiguration
	}
	if countVoters(current) == 0 {
		return nil
	}
	for _, m := range next {
		if m.Voting && isVoter(current, m.ID) {
			return nil
		}
	}
	return ErrInvalidConfiguration
}

func isVoter(set []ServerAddress, id ServerID) bool {
	for _, m := range set {
		if m.ID == id {
			return m.Voting
		}
	}
	return false
}

func countVoters(set []ServerAddress) int {
	n := 0
	for _, m := range set {
		if m.Voting {
			n++
		}
	}
	return n
}

func normalize(set []ServerAddress) []ServerAddress {
	out := cloneSet(set)
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func cloneSet(set []ServerAddress) []ServerAddress {
	if len(set) == 0 {
		return nil
	}
	out := make([]ServerAddress, len(set))
	for i, m := range set {
		out[i] = ServerAddress{ID: m.ID, Voting: m.Voting, Info: append([]byte(nil), m.Info...)}
	}
	return out
}

func sameSet(a, b []ServerAddress) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = normalize(a), normalize(b)
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Voting != b[i].Voting || !bytes.Equal(a[i].Info, b[i].Info) {
			return false
		}
	}
	return true
}

// quorumMatch returns the highest index replicated on a majority of the voters
// in set. match reports the acknowledged index of a member.
func quorumMatch(set []ServerAddress, match func(ServerID) Index) Index {
	var idx []Index
	for _, m := range set {
		if m.Voting {
			idx = append(idx, match(m.ID))
		}
	}
	if len(idx) == 0 {
		return 0
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] > idx[j] })
	return idx[len(idx)/2]
}

// committedIndex applies the majority rule to every voter set of c; a joint
// configuration needs both majorities.
func (c Configuration) committedIndex(match func(ServerID) Index) Index {
	idx := quorumMatch(c.Current, match)
	if c.IsJoint() {
		if prev := quorumMatch(c.Previous, match); prev < idx {
			idx = prev
		}
	}
	return idx
}

// hasQuorum reports whether the members accepted by ok form a majority of the
// voters of every set of c.
func (c Configuration) hasQuorum(ok func(ServerID) bool) bool {
	if !setQuorum(c.Current, ok) {
		return false
	}
	return !c.IsJoint() || setQuorum(c.Previous, ok)
}

func setQuorum(set []ServerAddress, ok func(ServerID) bool) bool {
	voters, granted := 0, 0
	for _, m := range set {
		if !m.Voting {
			continue
		}
		voters++
		if ok(m.ID) {
			granted++
		}
	}
	return granted > voters/2
}
