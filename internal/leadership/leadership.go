// Package leadership answers one question: is this operator replica the
// elected leader right now. Bootstrap and peer state writes are gated on it.
package leadership

// Tracker reports whether this replica holds leadership.
type Tracker interface {
	IsLeader() bool
}

// ChannelTracker tracks leadership through the manager's elected channel,
// which is closed once this replica wins the election.
type ChannelTracker struct {
	elected <-chan struct{}
}

// FromElected returns a Tracker backed by a manager's Elected() channel.
func FromElected(elected <-chan struct{}) *ChannelTracker {
	return &ChannelTracker{elected: elected}
}

func (t *ChannelTracker) IsLeader() bool {
	select {
	case <-t.elected:
		return true
	default:
		return false
	}
}

// Fixed is a Tracker with a constant answer, for tests and for running
// without leader election.
type Fixed bool

func (f Fixed) IsLeader() bool { return bool(f) }
