package server

import (
	"github.com/astrovia/collab/pkg/api"
)

// routes wires the packet handlers of one connection. Request/response
// operations run off the read pump so a slow admission never stalls
// unrelated traffic on the same wire.
func (h *Hub) routes(u *User) {
	u.OnPacket(func(in api.In) {
		switch in.T {
		case api.CreateSession:
			go h.handleCreateSession(u, in)
		case api.JoinSession:
			go h.handleJoinSession(u, in)
		case api.LeaveSession:
			go h.handleLeaveSession(u, in)
		case api.EndSession:
			go h.handleEndSession(u, in)
		case api.PauseSession:
			go h.handleStatusChange(u, in, true)
		case api.ResumeSession:
			go h.handleStatusChange(u, in, false)
		case api.Promote:
			go h.handlePromote(u, in)
		case api.CursorMove:
			h.handleCursorMove(u, in)
		case api.SyncState:
			h.handleSyncState(u, in)
		case api.VoiceJoin:
			h.handleVoice(u, in, true)
		case api.VoiceLeave:
			h.handleVoice(u, in, false)
		case api.Offer, api.Answer, api.Candidate:
			h.handleSignal(u, in)
		default:
			u.Log().Warn().Msgf("unknown packet %v", in.T)
		}
	})
}

func (h *Hub) handleCreateSession(u *User, in api.In) {
	rq := api.Unwrap[api.CreateSessionRequest](in.Payload)
	if rq == nil {
		u.RouteError(in, api.NewError(api.ErrValidation, "malformed create request"))
		return
	}
	resp, aerr := h.registry.Create(u.Identity(), *rq)
	if aerr != nil {
		u.RouteError(in, aerr)
		return
	}
	u.Route(in, api.SessionCreated, resp)
}

func (h *Hub) handleJoinSession(u *User, in api.In) {
	rq := api.Unwrap[api.JoinSessionRequest](in.Payload)
	if rq == nil || rq.SessionId == "" {
		u.RouteError(in, api.NewError(api.ErrValidation, "malformed join request"))
		return
	}
	snap, aerr := h.registry.Join(rq.SessionId, u.Identity(), rq.Password, u)
	if aerr != nil {
		u.RouteError(in, aerr)
		return
	}
	u.Bind(rq.SessionId)
	u.Route(in, api.SessionJoined, snap)
}

func (h *Hub) handleLeaveSession(u *User, in api.In) {
	sid := u.SessionId()
	if rq := api.Unwrap[api.LeaveSessionRequest](in.Payload); rq != nil && rq.SessionId != "" {
		sid = rq.SessionId
	}
	if sid != "" {
		h.registry.Leave(sid, u.ParticipantId())
		u.Unbind()
	}
	u.Route(in, api.LeaveSession, nil)
}

func (h *Hub) handleEndSession(u *User, in api.In) {
	rq := api.Unwrap[api.EndSessionRequest](in.Payload)
	if rq == nil || rq.SessionId == "" {
		u.RouteError(in, api.NewError(api.ErrValidation, "malformed end request"))
		return
	}
	if aerr := h.registry.End(rq.SessionId, u.ParticipantId(), rq.Cancel); aerr != nil {
		u.RouteError(in, aerr)
		return
	}
	u.Unbind()
	u.Route(in, api.EndSession, nil)
}

func (h *Hub) handleStatusChange(u *User, in api.In, paused bool) {
	sid := u.SessionId()
	if sid == "" {
		u.RouteError(in, api.NewError(api.ErrNotFound, "not in a session"))
		return
	}
	var aerr *api.Error
	if paused {
		aerr = h.registry.Pause(sid, u.ParticipantId())
	} else {
		aerr = h.registry.Resume(sid, u.ParticipantId())
	}
	if aerr != nil {
		u.RouteError(in, aerr)
		return
	}
	u.Route(in, in.T, nil)
}

func (h *Hub) handlePromote(u *User, in api.In) {
	rq := api.Unwrap[api.PromoteRequest](in.Payload)
	if rq == nil || rq.ParticipantId == "" || rq.Role == "" {
		u.RouteError(in, api.NewError(api.ErrValidation, "malformed promote request"))
		return
	}
	sid := rq.SessionId
	if sid == "" {
		sid = u.SessionId()
	}
	if aerr := h.registry.Promote(sid, u.ParticipantId(), rq.ParticipantId, rq.Role); aerr != nil {
		u.RouteError(in, aerr)
		return
	}
	u.Route(in, api.Promote, nil)
}

func (h *Hub) handleCursorMove(u *User, in api.In) {
	rq := api.Unwrap[api.CursorMoveNotify](in.Payload)
	sid := u.SessionId()
	if rq == nil || sid == "" {
		return // at-most-once path, drop silently
	}
	h.registry.Cursor(sid, u.ParticipantId(), *rq)
}

func (h *Hub) handleSyncState(u *User, in api.In) {
	rq := api.Unwrap[api.StateEnvelope](in.Payload)
	sid := u.SessionId()
	if rq == nil || rq.Key == "" || sid == "" {
		return
	}
	h.registry.SyncState(sid, u.ParticipantId(), *rq)
}

func (h *Hub) handleVoice(u *User, in api.In, joined bool) {
	if sid := u.SessionId(); sid != "" {
		h.registry.Voice(sid, u.ParticipantId(), joined)
	}
}

// handleSignal relays offer/answer/candidate messages. The sender identity
// is always stamped server-side, whatever the payload claims.
func (h *Hub) handleSignal(u *User, in api.In) {
	msg := api.Unwrap[api.SignalingMessage](in.Payload)
	sid := u.SessionId()
	if msg == nil || msg.To == "" || sid == "" {
		return
	}
	msg.From = u.ParticipantId()
	h.registry.Relay(sid, in.T, *msg)
}
