// Package client is the application-facing facade of the collaboration
// core: one object that joins sessions, mirrors the roster, coalesces
// cursor traffic and re-establishes membership after reconnects.
package client

import (
	"net/url"
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/astrovia/collab/pkg/mesh"
	"github.com/astrovia/collab/pkg/transport"
)

// Handlers are the optional application callbacks. Nil fields are skipped.
type Handlers struct {
	// RosterChanged fires after any roster mutation with a fresh snapshot.
	RosterChanged func(snap api.RosterSnapshot)
	Cursor        func(ev api.CursorUpdatedEvent)
	State         func(ev api.StateEnvelope)
	SessionEnded  func(ev api.SessionEndedEvent)
	VoicePeer     func(id string, joined bool)
	// Signal receives relayed offer/answer/candidate messages.
	Signal func(t api.PT, msg api.SignalingMessage)
	// Dropped fires when the connection is gone for good or a rejoin
	// after reconnect failed.
	Dropped func(err error)
}

// Collab is a connected collaboration client.
type Collab struct {
	tp       *transport.Client
	identity api.Identity
	conf     config.Collab
	log      *logger.Logger

	cache  cache
	cursor *cursorPump

	mu       sync.Mutex
	handlers Handlers
	joined   bool
	joinId   string
	joinPass string
	inVoice  bool
	mesh     *mesh.Coordinator
}

// Dial connects to the server and wires the event subscriptions.
func Dial(address url.URL, identity api.Identity, conf config.Collab, h Handlers, log *logger.Logger) (*Collab, error) {
	tp, err := transport.Connect(address, identity, conf.Transport, log)
	if err != nil {
		return nil, err
	}
	c := &Collab{
		tp:       tp,
		identity: identity,
		conf:     conf,
		handlers: h,
		log:      log.Extend(log.With().Str("m", "client")),
	}
	c.cursor = newCursorPump(c.sendCursor)
	c.subscribe()
	return c, nil
}

func (c *Collab) subscribe() {
	c.tp.Subscribe(api.UserJoined, func(in api.In) {
		if ev := api.Unwrap[api.UserJoinedEvent](in.Payload); ev != nil {
			c.cache.userJoined(*ev)
			c.rosterChanged()
		}
	})
	c.tp.Subscribe(api.UserLeft, func(in api.In) {
		if ev := api.Unwrap[api.UserLeftEvent](in.Payload); ev != nil {
			c.cache.userLeft(*ev)
			c.rosterChanged()
		}
	})
	c.tp.Subscribe(api.HostTransferred, func(in api.In) {
		if ev := api.Unwrap[api.HostTransferredEvent](in.Payload); ev != nil {
			c.cache.hostTransferred(*ev)
			c.rosterChanged()
		}
	})
	c.tp.Subscribe(api.RoleChanged, func(in api.In) {
		if ev := api.Unwrap[api.RoleChangedEvent](in.Payload); ev != nil {
			c.cache.roleChanged(*ev)
			c.rosterChanged()
		}
	})
	c.tp.Subscribe(api.SessionPaused, func(in api.In) {
		c.cache.status(api.StatusPaused)
		c.rosterChanged()
	})
	c.tp.Subscribe(api.SessionResumed, func(in api.In) {
		c.cache.status(api.StatusActive)
		c.rosterChanged()
	})
	c.tp.Subscribe(api.SessionEnded, func(in api.In) {
		ev := api.Unwrap[api.SessionEndedEvent](in.Payload)
		c.forget()
		c.leaveVoice()
		c.cache.clear()
		if ev != nil && c.handlers.SessionEnded != nil {
			c.handlers.SessionEnded(*ev)
		}
	})
	c.tp.Subscribe(api.CursorUpdated, func(in api.In) {
		ev := api.Unwrap[api.CursorUpdatedEvent](in.Payload)
		if ev == nil || !c.cache.cursor(*ev) {
			return
		}
		if c.handlers.Cursor != nil {
			c.handlers.Cursor(*ev)
		}
	})
	c.tp.Subscribe(api.StateSynchronized, func(in api.In) {
		ev := api.Unwrap[api.StateEnvelope](in.Payload)
		if ev == nil || !c.cache.state(*ev) {
			return
		}
		if c.handlers.State != nil {
			c.handlers.State(*ev)
		}
	})
	c.tp.Subscribe(api.VoiceJoined, func(in api.In) { c.voiceEvent(in, true) })
	c.tp.Subscribe(api.VoiceLeft, func(in api.In) { c.voiceEvent(in, false) })
	for _, t := range []api.PT{api.Offer, api.Answer, api.Candidate} {
		t := t
		c.tp.Subscribe(t, func(in api.In) {
			msg := api.Unwrap[api.SignalingMessage](in.Payload)
			if msg == nil {
				return
			}
			if m := c.meshCoord(); m != nil {
				m.HandleSignal(t, *msg)
			}
			if c.handlers.Signal != nil {
				c.handlers.Signal(t, *msg)
			}
		})
	}
	c.tp.OnState(c.onTransportState)
}

func (c *Collab) voiceEvent(in api.In, joined bool) {
	ev := api.Unwrap[api.VoicePresenceEvent](in.Payload)
	if ev == nil {
		return
	}
	c.cache.voice(ev.ParticipantId, joined)
	c.rosterChanged()
	if m := c.meshCoord(); m != nil {
		if joined && c.voiceActive() {
			m.Connect(ev.ParticipantId)
		} else if !joined {
			m.Disconnect(ev.ParticipantId)
		}
	}
	if c.handlers.VoicePeer != nil {
		c.handlers.VoicePeer(ev.ParticipantId, joined)
	}
}

func (c *Collab) rosterChanged() {
	if c.handlers.RosterChanged != nil {
		c.handlers.RosterChanged(c.cache.snapshot())
	}
}

// onTransportState re-establishes session membership after a reconnect.
// The server may have expired the roster slot in the meantime, so the
// join runs as if from scratch and a failure drops the client out.
func (c *Collab) onTransportState(s transport.State) {
	switch s {
	case transport.StateConnected:
		c.mu.Lock()
		joined, id, pass := c.joined, c.joinId, c.joinPass
		c.mu.Unlock()
		if !joined {
			return
		}
		if _, err := c.Join(id, pass); err != nil {
			c.log.Error().Err(err).Str("sid", id).Msg("rejoin failed")
			c.forget()
			c.leaveVoice()
			c.cache.clear()
			if c.handlers.Dropped != nil {
				c.handlers.Dropped(err)
			}
		}
	case transport.StateDisconnected:
		c.forget()
		c.leaveVoice()
		c.cache.clear()
		if c.handlers.Dropped != nil {
			c.handlers.Dropped(transport.ErrDisconnected)
		}
	}
}

// CreateSession registers a new session. A zero max participants takes
// the configured default; creating does not join.
func (c *Collab) CreateSession(rq api.CreateSessionRequest) (*api.SessionCreatedResponse, error) {
	if rq.MaxParticipants == 0 {
		rq.MaxParticipants = c.conf.Session.DefaultMaxParticipants
	}
	return api.UnwrapChecked[api.SessionCreatedResponse](c.tp.Call(api.CreateSession, rq))
}

// Join enters a session and seeds the local mirror from the returned
// snapshot.
func (c *Collab) Join(sessionId string, password string) (*api.RosterSnapshot, error) {
	snap, err := api.UnwrapChecked[api.RosterSnapshot](
		c.tp.Call(api.JoinSession, api.JoinSessionRequest{SessionId: sessionId, Password: password}))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, api.NewError(api.ErrInternal, "malformed join response")
	}
	c.mu.Lock()
	c.joined, c.joinId, c.joinPass = true, sessionId, password
	c.mu.Unlock()
	c.cache.reset(*snap)
	c.rosterChanged()
	return snap, nil
}

func (c *Collab) Leave() error {
	sid := c.cache.sessionId()
	c.forget()
	c.leaveVoice()
	c.cursor.stop()
	c.cache.clear()
	if sid == "" {
		return nil
	}
	_, err := c.tp.Call(api.LeaveSession, api.LeaveSessionRequest{SessionId: sid})
	return err
}

// End completes (or cancels) the session, host only.
func (c *Collab) End(cancel bool) error {
	sid := c.cache.sessionId()
	if sid == "" {
		return api.NewError(api.ErrNotFound, "not in a session")
	}
	_, err := c.tp.Call(api.EndSession, api.EndSessionRequest{SessionId: sid, Cancel: cancel})
	if err == nil {
		c.forget()
		c.leaveVoice()
		c.cache.clear()
	}
	return err
}

func (c *Collab) Pause() error {
	_, err := c.tp.Call(api.PauseSession, nil)
	return err
}

func (c *Collab) Resume() error {
	_, err := c.tp.Call(api.ResumeSession, nil)
	return err
}

// Promote changes another participant's role, host only.
func (c *Collab) Promote(participantId string, role api.Role) error {
	_, err := c.tp.Call(api.Promote, api.PromoteRequest{
		SessionId:     c.cache.sessionId(),
		ParticipantId: participantId,
		Role:          role,
	})
	return err
}

// MoveCursor queues a cursor position. Delivery is coalesced and lossy.
func (c *Collab) MoveCursor(x, y float64, elementRef string) {
	c.cursor.move(x, y, elementRef)
}

func (c *Collab) sendCursor(x, y float64, ref string, ts int64) {
	sid := c.cache.sessionId()
	if sid == "" {
		return
	}
	c.tp.Notify(api.CursorMove, api.CursorMoveNotify{
		SessionId: sid, X: x, Y: y, Timestamp: ts, ElementRef: ref,
	})
}

// PublishState writes one shared-state key. The value is opaque here,
// merged by key and timestamp on every replica.
func (c *Collab) PublishState(key string, value []byte) {
	sid := c.cache.sessionId()
	if sid == "" || key == "" {
		return
	}
	ev := api.StateEnvelope{
		SessionId: sid,
		Key:       key,
		Value:     value,
		OriginId:  c.identity.Id,
		Timestamp: time.Now().UnixMilli(),
	}
	if c.cache.state(ev) {
		c.tp.Notify(api.SyncState, ev)
	}
}

// EnableVoice attaches a mesh coordinator fed by the session's voice
// presence and signaling events. The returned coordinator's PeerUp and
// PeerDown callbacks are the caller's to set before joining the voice
// channel. Without it voice events still reach the Handlers and the
// application runs its own negotiation.
func (c *Collab) EnableVoice(p mesh.Provider) *mesh.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mesh == nil {
		c.mesh = mesh.NewCoordinator(c.identity.Id, c, p, c.conf.Webrtc, c.log)
	}
	return c.mesh
}

func (c *Collab) meshCoord() *mesh.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mesh
}

func (c *Collab) voiceActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inVoice
}

// VoiceJoin enters the voice channel and, with a mesh attached, starts
// pairing with everyone already in it.
func (c *Collab) VoiceJoin() {
	sid := c.cache.sessionId()
	if sid == "" {
		return
	}
	c.mu.Lock()
	c.inVoice = true
	m := c.mesh
	c.mu.Unlock()
	c.tp.Notify(api.VoiceJoin, api.VoiceChannelNotify{SessionId: sid})
	if m != nil {
		for _, id := range c.cache.snapshot().VoicePeers {
			m.Connect(id)
		}
	}
}

// VoiceLeave exits the voice channel and releases every peer link.
func (c *Collab) VoiceLeave() {
	if sid := c.cache.sessionId(); sid != "" {
		c.tp.Notify(api.VoiceLeave, api.VoiceChannelNotify{SessionId: sid})
	}
	c.leaveVoice()
}

// leaveVoice drops the local voice membership and tears the mesh down.
func (c *Collab) leaveVoice() {
	c.mu.Lock()
	c.inVoice = false
	m := c.mesh
	c.mu.Unlock()
	if m != nil {
		m.Shutdown()
	}
}

// Signal relays an offer, answer or candidate to one peer. The server
// stamps the sender, so From is left empty here.
func (c *Collab) Signal(t api.PT, to string, payload []byte) {
	sid := c.cache.sessionId()
	if sid == "" || to == "" {
		return
	}
	c.tp.Notify(t, api.SignalingMessage{SessionId: sid, To: to, Payload: payload})
}

// Roster returns a copy of the local session mirror.
func (c *Collab) Roster() api.RosterSnapshot { return c.cache.snapshot() }

func (c *Collab) Id() string { return c.identity.Id }

func (c *Collab) forget() {
	c.mu.Lock()
	c.joined, c.joinId, c.joinPass = false, "", ""
	c.mu.Unlock()
}

// Close leaves the current session and tears the transport down.
func (c *Collab) Close() {
	_ = c.Leave()
	c.tp.Close()
}
