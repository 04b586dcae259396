// Package revision numbers replica writes and classifies the owner's
// acknowledgements, and guards the owner against applying an older write
// after a newer one from the same session.
package revision

import "sync"

// Outcome classifies an acknowledgement on the replica side.
type Outcome int

const (
	// Advanced: the ack confirms the most recent send. The replica adopts
	// what it sent as the new base.
	Advanced Outcome = iota
	// Superseded: the ack confirms an older send; a newer one is in flight.
	Superseded
	// Stale: a newer revision was already acknowledged.
	Stale
	// Rejected: the owner refused the write.
	Rejected
	// Foreign: the ack names another session.
	Foreign
)

func (o Outcome) String() string {
	switch o {
	case Advanced:
		return "advanced"
	case Superseded:
		return "superseded"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	case Foreign:
		return "foreign"
	}
	return "unknown"
}

// Sequencer hands out strictly increasing revisions for one replica
// session and tracks which of them the owner confirmed.
type Sequencer struct {
	mu       sync.Mutex
	session  string
	rev      int64
	lastSent int64
	lastAck  int64
}

func NewSequencer(session string) *Sequencer {
	return &Sequencer{session: session}
}

func (s *Sequencer) Session() string { return s.session }

// Next allocates the revision for an outgoing write.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	s.lastSent = s.rev
	return s.rev
}

// Ack classifies an acknowledgement. A refused write never moves lastAck;
// neither does an ack below it. A repeated ack of the latest revision
// classifies as it did the first time.
func (s *Sequencer) Ack(ok bool, rev int64, session string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != "" && session != s.session {
		return Foreign
	}
	if !ok {
		return Rejected
	}
	if rev < s.lastAck {
		return Stale
	}
	s.lastAck = rev
	if rev < s.lastSent {
		return Superseded
	}
	return Advanced
}

// Settle treats every sent revision as acknowledged. Used when acks can no
// longer arrive, e.g. after a reconnect.
func (s *Sequencer) Settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAck = s.lastSent
}

// Pending reports whether a sent revision has not been acknowledged yet.
func (s *Sequencer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent > s.lastAck
}

func (s *Sequencer) LastSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

func (s *Sequencer) LastAck() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// Guard is the owner-side check: a write is admitted only when its
// revision is newer than the last one applied for the same session. A new
// session starts fresh.
type Guard struct {
	mu      sync.Mutex
	session string
	applied int64
}

// Admit reports whether a write may be applied. It does not record the
// revision; call Applied once the write succeeded.
func (g *Guard) Admit(session string, rev int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if session != g.session {
		return true
	}
	return rev > g.applied
}

func (g *Guard) Applied(session string, rev int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if session != g.session {
		g.session = session
		g.applied = 0
	}
	if rev > g.applied {
		g.applied = rev
	}
}

func (g *Guard) Last() (session string, rev int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session, g.applied
}
