package session

import (
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
)

// Peer is the server-side sender for one connected participant.
type Peer interface {
	Notify(t api.PT, payload any)
}

type presence uint8

const (
	presJoining presence = iota
	presActive
	presDisconnected
	presLeft
)

type participant struct {
	id       string
	name     string
	role     api.Role
	state    presence
	joinedAt time.Time
	seq      uint64 // admission order, drives host failover
	peer     Peer
	cursor   *api.Cursor
	voice    bool
	grace    *time.Timer
}

func (p *participant) snapshot() api.Participant {
	return api.Participant{
		Id:       p.id,
		Name:     p.name,
		Role:     p.role,
		Live:     p.state == presActive,
		JoinedAt: p.joinedAt.UnixMilli(),
	}
}

type stateEntry struct {
	value     []byte
	originId  string
	timestamp int64
}

// Session is the authoritative state of one collaboration room. All mutation
// runs on the session's own loop goroutine, one command at a time.
type Session struct {
	id          string
	sessionType string
	title       string
	description string
	status      api.SessionStatus
	hostId      string
	maxSize     int
	private     bool
	roomCode    string
	passwordTag []byte // bcrypt hash, empty for open sessions

	participants map[string]*participant
	nextSeq      uint64
	shared       map[string]stateEntry
	history      map[string][]stateEntry

	run      chan func()
	closed   chan struct{}
	conf     config.Session
	clock    func() time.Time
	registry *Registry
	log      *logger.Logger
}

// loop serializes all session mutation. Per-session, not global: two
// sessions never block each other.
func (s *Session) loop() {
	for {
		select {
		case fn := <-s.run:
			fn()
		case <-s.closed:
			return
		}
	}
}

// do posts a command onto the session loop, dropping it when the session
// is already disposed.
func (s *Session) do(fn func()) {
	select {
	case <-s.closed:
	case s.run <- fn:
	}
}

// sync runs a command on the session loop and waits for it.
func (s *Session) sync(fn func()) {
	done := make(chan struct{})
	s.do(func() { defer close(done); fn() })
	select {
	case <-done:
	case <-s.closed:
	}
}

func (s *Session) Id() string { return s.id }

// memberCount counts roster slots still holding capacity,
// disconnected ones in their grace window included.
func (s *Session) memberCount() int {
	n := 0
	for _, p := range s.participants {
		if p.state == presActive || p.state == presDisconnected {
			n++
		}
	}
	return n
}

func (s *Session) terminal() bool {
	return s.status == api.StatusCompleted || s.status == api.StatusCancelled
}

// broadcast fans an event out to every live member, except skip ids.
func (s *Session) broadcast(t api.PT, payload any, skip ...string) {
next:
	for _, p := range s.participants {
		if p.state != presActive || p.peer == nil {
			continue
		}
		for _, id := range skip {
			if p.id == id {
				continue next
			}
		}
		p.peer.Notify(t, payload)
	}
}

func (s *Session) rosterSnapshot(forId string) *api.RosterSnapshot {
	snap := &api.RosterSnapshot{
		SessionId:        s.id,
		Type:             s.sessionType,
		Title:            s.title,
		Description:      s.description,
		Status:           s.status,
		HostId:           s.hostId,
		MaxParticipants:  s.maxSize,
		ParticipantCount: s.memberCount(),
		Participants:     make([]api.Participant, 0, len(s.participants)),
		SharedState:      make(map[string]api.StateEntry, len(s.shared)),
		Cursors:          make(map[string]api.Cursor, len(s.participants)),
	}
	if forId == s.hostId || !s.private {
		snap.RoomCode = s.roomCode
	}
	for _, p := range s.participants {
		if p.state == presLeft {
			continue
		}
		snap.Participants = append(snap.Participants, p.snapshot())
		if p.cursor != nil {
			snap.Cursors[p.id] = *p.cursor
		}
		if p.voice && p.id != forId {
			snap.VoicePeers = append(snap.VoicePeers, p.id)
		}
	}
	for k, e := range s.shared {
		snap.SharedState[k] = api.StateEntry{Value: e.value, OriginId: e.originId, Timestamp: e.timestamp}
	}
	return snap
}
