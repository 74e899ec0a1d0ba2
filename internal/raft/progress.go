package raft

// ProgressState is the replication mode of a peer.
type ProgressState uint8

// Replication modes.
const (
	// ProgressProbe sends one append at a time until the peer's log matches.
	ProgressProbe ProgressState = iota
	// ProgressPipeline streams appends optimistically.
	ProgressPipeline
	// ProgressSnapshot waits for an InstallSnapshot reply.
	ProgressSnapshot
)

// String returns the string representation of a progress state.
func (s ProgressState) String() string {
	switch s {
	case ProgressProbe:
		return "probe"
	case ProgressPipeline:
		return "pipeline"
	case ProgressSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// maxInflight caps the number of unacknowledged appends in pipeline mode.
const maxInflight = 64

// PeerProgress is the leader's view of one follower.
type PeerProgress struct {
	ID    ServerID
	Match Index // Highest index known replicated on the peer
	Next  Index // Next index to send
	State ProgressState

	// Unacknowledged append requests.
	InFlight int
	// Ticks since the peer last answered.
	LastContact int

	// Set on every reply, cleared by the check-quorum round.
	recentActive bool
	// Highest read-quorum round the peer acknowledged.
	readAck uint64
	// Ticks spent waiting in snapshot mode.
	snapshotElapsed int
}

func newProgress(id ServerID, next Index) *PeerProgress {
	return &PeerProgress{ID: id, Next: next, State: ProgressProbe, recentActive: true}
}

// paused reports whether no further append may be sent until a reply arrives.
func (p *PeerProgress) paused() bool {
	switch p.State {
	case ProgressProbe:
		return p.InFlight > 0
	case ProgressPipeline:
		return p.InFlight >= maxInflight
	default:
		return true
	}
}

// contact records a reply from the peer.
func (p *PeerProgress) contact() {
	p.recentActive = true
	p.LastContact = 0
}

// maybeUpdate advances match after a successful append. It returns false for
// stale acknowledgements.
func (p *PeerProgress) maybeUpdate(index Index) bool {
	updated := false
	if index > p.Match {
		p.Match = index
		updated = true
	}
	if p.Next < index+1 {
		p.Next = index + 1
	}
	if p.InFlight > 0 {
		p.InFlight--
	}
	if p.Match+1 >= p.Next {
		p.InFlight = 0
	}
	return updated
}

// reject resets next after a rejected append.
func (p *PeerProgress) reject(conflict Index) {
	next := conflict
	if next < p.Match+1 {
		next = p.Match + 1
	}
	if next < 1 {
		next = 1
	}
	p.Next = next
	p.becomeProbe()
}

func (p *PeerProgress) becomeProbe() {
	p.State = ProgressProbe
	p.InFlight = 0
	p.snapshotElapsed = 0
}

func (p *PeerProgress) becomePipeline() {
	p.State = ProgressPipeline
	p.InFlight = 0
}

func (p *PeerProgress) becomeSnapshot() {
	p.State = ProgressSnapshot
	p.InFlight = 0
	p.snapshotElapsed = 0
}

// sent records an append carrying entries up to last.
func (p *PeerProgress) sent(last Index) {
	if p.State == ProgressPipeline {
		p.Next = last + 1
	}
	p.InFlight++
}
