package session

import (
	"sort"

	"github.com/astrovia/collab/pkg/api"
	"golang.org/x/crypto/bcrypt"
)

// admit runs the single atomic admission decision for one join request.
// Runs on the session loop.
func (s *Session) admit(who api.Identity, password string, peer Peer) (*api.RosterSnapshot, *api.Error) {
	if s.terminal() {
		return nil, api.NewError(api.ErrNotFound, "session has ended")
	}
	if len(s.passwordTag) > 0 {
		if bcrypt.CompareHashAndPassword(s.passwordTag, []byte(password)) != nil {
			return nil, api.NewError(api.ErrUnauthorized, "wrong password")
		}
	}

	// a duplicate join from a known participant id is an idempotent
	// replace: the slot, role and tenure stay, only the wire changes
	if p, ok := s.participants[who.Id]; ok && p.state != presLeft {
		rejoin := p.state == presDisconnected
		s.stopGrace(p)
		if old, hangup := p.peer.(interface{ Disconnect() }); hangup && p.peer != peer {
			old.Disconnect()
		}
		p.peer = peer
		p.state = presActive
		if who.Name != "" {
			p.name = who.Name
		}
		s.log.Info().Str("pid", who.Id).Bool("rejoin", rejoin).Msg("admission replaced")
		return s.rosterSnapshot(who.Id), nil
	}

	if s.memberCount() >= s.maxSize {
		return nil, api.NewError(api.ErrFull, "session is full")
	}

	role := api.RoleParticipant
	switch {
	case who.Id == s.hostId:
		role = api.RoleHost
	case who.RoleHint == string(api.RoleObserver):
		role = api.RoleObserver
	case who.RoleHint == string(api.RoleGuide):
		role = api.RoleGuide
	}

	s.nextSeq++
	p := &participant{
		id:       who.Id,
		name:     who.Name,
		role:     role,
		state:    presActive,
		joinedAt: s.clock(),
		seq:      s.nextSeq,
		peer:     peer,
	}
	s.participants[who.Id] = p

	if s.status == api.StatusWaiting && role == api.RoleHost {
		s.status = api.StatusActive
	}

	s.broadcast(api.UserJoined, api.UserJoinedEvent{
		SessionId:        s.id,
		Participant:      p.snapshot(),
		ParticipantCount: s.memberCount(),
	}, p.id)
	s.log.Info().Str("pid", p.id).Str("role", string(p.role)).Int("n", s.memberCount()).Msg("admitted")
	return s.rosterSnapshot(who.Id), nil
}

// markDisconnected keeps the roster slot for the grace period. Runs on the
// session loop. A drop reported by a wire that no longer holds the slot
// (it was replaced by a duplicate join) is ignored.
func (s *Session) markDisconnected(pid string, peer Peer) {
	p, ok := s.participants[pid]
	if !ok || p.state != presActive || p.peer != peer {
		return
	}
	p.state = presDisconnected
	p.peer = nil
	if p.voice {
		p.voice = false
		s.broadcast(api.VoiceLeft, api.VoicePresenceEvent{SessionId: s.id, ParticipantId: pid})
	}
	grace := s.conf.DisconnectGrace
	p.grace = s.registry.timer(grace, func() {
		s.do(func() { s.graceExpired(pid) })
	})
	s.log.Info().Str("pid", pid).Dur("grace", grace).Msg("disconnected, slot retained")
}

func (s *Session) graceExpired(pid string) {
	p, ok := s.participants[pid]
	if !ok || p.state != presDisconnected {
		return
	}
	s.log.Info().Str("pid", pid).Msg("grace expired")
	s.remove(p, "timeout")
}

func (s *Session) stopGrace(p *participant) {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}

// remove vacates the roster slot and handles host failover. Runs on the
// session loop.
func (s *Session) remove(p *participant, reason string) {
	if p.state == presLeft {
		return
	}
	s.stopGrace(p)
	wasHost := p.role == api.RoleHost
	if p.voice {
		p.voice = false
		s.broadcast(api.VoiceLeft, api.VoicePresenceEvent{SessionId: s.id, ParticipantId: p.id})
	}
	p.state = presLeft
	p.peer = nil
	delete(s.participants, p.id)

	s.broadcast(api.UserLeft, api.UserLeftEvent{
		SessionId:        s.id,
		ParticipantId:    p.id,
		ParticipantCount: s.memberCount(),
		Reason:           reason,
	})

	if wasHost {
		s.transferHost()
	} else if s.memberCount() == 0 && s.status == api.StatusActive {
		s.end(api.StatusCompleted)
	}
}

// transferHost deterministically promotes the longest-tenured remaining
// participant-role member; with nobody left to promote the session completes.
func (s *Session) transferHost() {
	var candidates []*participant
	for _, p := range s.participants {
		if p.state == presLeft || p.role != api.RoleParticipant {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		s.end(api.StatusCompleted)
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	next := candidates[0]
	next.role = api.RoleHost
	s.hostId = next.id
	s.broadcast(api.HostTransferred, api.HostTransferredEvent{
		SessionId:        s.id,
		HostId:           next.id,
		ParticipantCount: s.memberCount(),
	})
	s.log.Info().Str("host", next.id).Msg("host transferred")
}

// promote mutates a member role on explicit host request. Runs on the
// session loop.
func (s *Session) promote(callerId, targetId string, role api.Role) *api.Error {
	if callerId != s.hostId {
		return api.NewError(api.ErrForbidden, "only the host can promote")
	}
	if role == api.RoleHost {
		return api.NewError(api.ErrValidation, "host role moves only by transfer")
	}
	p, ok := s.participants[targetId]
	if !ok || p.state == presLeft {
		return api.NewError(api.ErrNotFound, "no such participant")
	}
	if p.role == api.RoleHost {
		return api.NewError(api.ErrConflict, "cannot demote the host")
	}
	p.role = role
	s.broadcast(api.RoleChanged, api.RoleChangedEvent{SessionId: s.id, ParticipantId: targetId, Role: role})
	return nil
}

// setPaused toggles paused ⇄ active, the only non-monotone status move.
// Runs on the session loop.
func (s *Session) setPaused(callerId string, paused bool) *api.Error {
	if callerId != s.hostId {
		return api.NewError(api.ErrForbidden, "only the host can pause")
	}
	switch {
	case paused && s.status == api.StatusActive:
		s.status = api.StatusPaused
		s.broadcast(api.SessionPaused, api.SessionStatusEvent{SessionId: s.id, Status: s.status})
	case !paused && s.status == api.StatusPaused:
		s.status = api.StatusActive
		s.broadcast(api.SessionResumed, api.SessionStatusEvent{SessionId: s.id, Status: s.status})
	default:
		return api.NewError(api.ErrConflict, "status is "+string(s.status))
	}
	return nil
}

// end moves the session to a terminal status, force-removes everyone and
// disposes the loop. Runs on the session loop.
func (s *Session) end(status api.SessionStatus) {
	if s.terminal() {
		return
	}
	s.status = status
	s.broadcast(api.SessionEnded, api.SessionEndedEvent{SessionId: s.id, Status: status})
	for _, p := range s.participants {
		s.stopGrace(p)
		p.state = presLeft
		p.peer = nil
	}
	s.participants = map[string]*participant{}
	s.registry.dispose(s)
	s.log.Info().Str("status", string(status)).Msg("session ended")
}

// voicePresence flips voice channel membership. Runs on the session loop.
func (s *Session) voicePresence(pid string, joined bool) {
	p, ok := s.participants[pid]
	if !ok || p.state != presActive || p.voice == joined {
		return
	}
	p.voice = joined
	ev := api.VoicePresenceEvent{SessionId: s.id, ParticipantId: pid}
	if joined {
		s.broadcast(api.VoiceJoined, ev, pid)
	} else {
		s.broadcast(api.VoiceLeft, ev, pid)
	}
}
