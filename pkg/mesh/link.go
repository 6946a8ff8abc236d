package mesh

import (
	"time"
)

type linkState uint8

const (
	linkIdle linkState = iota
	// linkOffering: local offer sent, waiting for the answer.
	linkOffering
	// linkAnswering: remote offer taken, local answer sent.
	linkAnswering
	// linkConnecting: descriptions exchanged, transport negotiating.
	linkConnecting
	linkConnected
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkOffering:
		return "offering"
	case linkAnswering:
		return "answering"
	case linkConnecting:
		return "connecting"
	case linkConnected:
		return "connected"
	case linkClosed:
		return "closed"
	}
	return "unknown"
}

// link is the negotiation record for one remote peer. All mutation goes
// through the coordinator lock.
type link struct {
	peer  string
	state linkState
	conn  PeerConn
	// described flips once the remote description is applied, before
	// that inbound candidates pile up in the buffer.
	described bool
	buffered  [][]byte
	attempts  int
	guard     *time.Timer
}

func (l *link) live() bool {
	return l.state != linkIdle && l.state != linkClosed
}

func (l *link) stopGuard() {
	if l.guard != nil {
		l.guard.Stop()
		l.guard = nil
	}
}
