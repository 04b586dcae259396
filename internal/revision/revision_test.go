package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer_OutOfOrderAcks(t *testing.T) {
	s := NewSequencer("s1")
	for i := 1; i <= 3; i++ {
		assert.Equal(t, int64(i), s.Next())
	}

	assert.Equal(t, Superseded, s.Ack(true, 1, "s1"))
	assert.True(t, s.Pending())
	assert.Equal(t, Advanced, s.Ack(true, 3, "s1"))
	assert.Equal(t, Stale, s.Ack(true, 2, "s1"))
	assert.Equal(t, Advanced, s.Ack(true, 3, "s1"), "repeated ack of the latest revision")
	assert.Equal(t, int64(3), s.LastAck())
	assert.False(t, s.Pending())
}

func TestSequencer_Settle(t *testing.T) {
	s := NewSequencer("s1")
	s.Next()
	s.Next()
	assert.True(t, s.Pending())

	s.Settle()
	assert.False(t, s.Pending())
	assert.Equal(t, int64(2), s.LastAck())
	assert.Equal(t, Stale, s.Ack(true, 1, "s1"))
}

func TestSequencer_RejectedAndForeign(t *testing.T) {
	s := NewSequencer("s1")
	rev := s.Next()

	assert.Equal(t, Foreign, s.Ack(true, rev, "other"))
	assert.Equal(t, Rejected, s.Ack(false, rev, "s1"))
	assert.Equal(t, int64(0), s.LastAck())
	assert.Equal(t, Advanced, s.Ack(true, rev, ""), "missing session is accepted")
}

func TestGuard(t *testing.T) {
	var g Guard
	assert.True(t, g.Admit("a", 1))
	g.Applied("a", 1)
	g.Applied("a", 3)

	assert.False(t, g.Admit("a", 3))
	assert.False(t, g.Admit("a", 2))
	assert.True(t, g.Admit("a", 4))
	assert.True(t, g.Admit("b", 1), "new session resets")

	g.Applied("b", 1)
	session, rev := g.Last()
	assert.Equal(t, "b", session)
	assert.Equal(t, int64(1), rev)
	assert.True(t, g.Admit("a", 1))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "superseded", Superseded.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
