package session

import (
	"strings"
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/com"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/astrovia/collab/pkg/monitoring"
	"golang.org/x/crypto/bcrypt"
)

// Registry owns every live session: construct-on-create, dispose-on-end.
// It resolves ids and room codes; all per-session work is delegated to the
// session's own loop.
type Registry struct {
	conf config.Session
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	codes    map[string]string // room code -> session id

	clock   func() time.Time
	timerFn func(d time.Duration, fn func()) *time.Timer
}

func NewRegistry(conf config.Session, log *logger.Logger) *Registry {
	return &Registry{
		conf:     conf,
		log:      log.Extend(log.With().Str("c", "registry")),
		sessions: make(map[string]*Session, 10),
		codes:    make(map[string]string, 10),
		clock:    time.Now,
		timerFn:  time.AfterFunc,
	}
}

// Create registers a new session with the caller as its designated host.
// The host still joins like everybody else; until then the session waits.
func (r *Registry) Create(host api.Identity, rq api.CreateSessionRequest) (*api.SessionCreatedResponse, *api.Error) {
	if rq.MaxParticipants < 1 {
		return nil, api.NewError(api.ErrValidation, "max_participants must be at least 1")
	}
	if rq.MaxParticipants > r.conf.MaxParticipantsCap {
		return nil, api.NewError(api.ErrValidation, "max_participants over the cap")
	}
	if strings.TrimSpace(rq.Title) == "" {
		return nil, api.NewError(api.ErrValidation, "empty title")
	}
	var tag []byte
	if rq.IsPrivate && rq.Password != "" {
		var err error
		if tag, err = bcrypt.GenerateFromPassword([]byte(rq.Password), bcrypt.DefaultCost); err != nil {
			return nil, api.NewError(api.ErrInternal, "password hashing failed")
		}
	}

	s := &Session{
		id:           com.NewUid().String(),
		sessionType:  rq.Type,
		title:        rq.Title,
		description:  rq.Description,
		status:       api.StatusWaiting,
		hostId:       host.Id,
		maxSize:      rq.MaxParticipants,
		private:      rq.IsPrivate,
		passwordTag:  tag,
		participants: make(map[string]*participant, rq.MaxParticipants),
		shared:       make(map[string]stateEntry, 10),
		history:      make(map[string][]stateEntry, 10),
		run:          make(chan func(), 32),
		closed:       make(chan struct{}),
		conf:         r.conf,
		clock:        r.clock,
		registry:     r,
	}
	s.log = r.log.Extend(r.log.With().Str("sid", com.UidFrom(s.id).Short()))

	r.mu.Lock()
	for {
		code := newRoomCode(r.conf.RoomCodeLength)
		if _, taken := r.codes[code]; !taken {
			s.roomCode = code
			r.codes[code] = s.id
			break
		}
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.loop()
	monitoring.SessionsActive.Inc()
	s.log.Info().Str("host", host.Id).Str("type", rq.Type).Msg("session created")
	return &api.SessionCreatedResponse{SessionId: s.id, RoomCode: s.roomCode}, nil
}

func (r *Registry) find(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ResolveCode maps a short room code to a session id. Codes are unique
// among currently non-terminal sessions only.
func (r *Registry) ResolveCode(code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.codes[strings.ToUpper(strings.TrimSpace(code))]
	return id, ok
}

// Join admits a participant. Admission is one atomic decision on the
// session's loop, so concurrent joins can never oversubscribe a session.
func (r *Registry) Join(sessionId string, who api.Identity, password string, peer Peer) (snap *api.RosterSnapshot, aerr *api.Error) {
	s, ok := r.find(sessionId)
	if !ok {
		return nil, api.NewError(api.ErrNotFound, "no such session")
	}
	s.sync(func() { snap, aerr = s.admit(who, password, peer) })
	if snap == nil && aerr == nil { // session disposed mid-call
		aerr = api.NewError(api.ErrNotFound, "session has ended")
	}
	if aerr == nil {
		monitoring.ParticipantsJoined.Inc()
	}
	return snap, aerr
}

// Leave vacates the caller's slot immediately, no grace.
func (r *Registry) Leave(sessionId, pid string) {
	if s, ok := r.find(sessionId); ok {
		s.do(func() {
			if p, ok := s.participants[pid]; ok {
				s.remove(p, "left")
			}
		})
	}
}

// Disconnected marks a dropped wire; the slot survives the grace window.
// The dropping peer identifies itself so a stale wire superseded by a
// rejoin cannot clobber the replacement.
func (r *Registry) Disconnected(sessionId, pid string, peer Peer) {
	if s, ok := r.find(sessionId); ok {
		s.do(func() { s.markDisconnected(pid, peer) })
	}
}

// End terminates the session for everyone. Host only.
func (r *Registry) End(sessionId, callerId string, cancel bool) (aerr *api.Error) {
	s, ok := r.find(sessionId)
	if !ok {
		return api.NewError(api.ErrNotFound, "no such session")
	}
	s.sync(func() {
		if callerId != s.hostId {
			aerr = api.NewError(api.ErrForbidden, "only the host can end the session")
			return
		}
		status := api.StatusCompleted
		if cancel {
			status = api.StatusCancelled
		}
		s.end(status)
	})
	return aerr
}

func (r *Registry) Pause(sessionId, callerId string) *api.Error {
	return r.statusChange(sessionId, callerId, true)
}

func (r *Registry) Resume(sessionId, callerId string) *api.Error {
	return r.statusChange(sessionId, callerId, false)
}

func (r *Registry) statusChange(sessionId, callerId string, paused bool) (aerr *api.Error) {
	s, ok := r.find(sessionId)
	if !ok {
		return api.NewError(api.ErrNotFound, "no such session")
	}
	s.sync(func() { aerr = s.setPaused(callerId, paused) })
	return aerr
}

func (r *Registry) Promote(sessionId, callerId, targetId string, role api.Role) (aerr *api.Error) {
	s, ok := r.find(sessionId)
	if !ok {
		return api.NewError(api.ErrNotFound, "no such session")
	}
	s.sync(func() { aerr = s.promote(callerId, targetId, role) })
	return aerr
}

// Cursor applies one cursor update, fire-and-forget.
func (r *Registry) Cursor(sessionId, pid string, c api.CursorMoveNotify) {
	if s, ok := r.find(sessionId); ok {
		monitoring.CursorUpdates.Inc()
		s.do(func() { s.applyCursor(pid, c) })
	}
}

// SyncState merges one domain event, fire-and-forget.
func (r *Registry) SyncState(sessionId, pid string, env api.StateEnvelope) {
	if s, ok := r.find(sessionId); ok {
		monitoring.EnvelopesRelayed.Inc()
		s.do(func() { s.applyState(pid, env) })
	}
}

// History returns the merge history of one shared state key.
func (r *Registry) History(sessionId, key string) (out []api.StateEntry) {
	if s, ok := r.find(sessionId); ok {
		s.sync(func() { out = s.keyHistory(key) })
	}
	return out
}

// Voice flips voice channel presence, the trigger for mesh negotiation.
func (r *Registry) Voice(sessionId, pid string, joined bool) {
	if s, ok := r.find(sessionId); ok {
		s.do(func() { s.voicePresence(pid, joined) })
	}
}

// Relay forwards one signaling message, fire-and-forget.
func (r *Registry) Relay(sessionId string, t api.PT, msg api.SignalingMessage) {
	if s, ok := r.find(sessionId); ok {
		monitoring.SignalsRelayed.Inc()
		s.do(func() { s.relay(t, msg) })
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown cancels every live session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.sync(func() { s.end(api.StatusCancelled) })
	}
}

// dispose unlinks a finished session. Called from the session loop.
func (r *Registry) dispose(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	delete(r.codes, s.roomCode)
	r.mu.Unlock()
	close(s.closed)
	monitoring.SessionsActive.Dec()
}

func (r *Registry) timer(d time.Duration, fn func()) *time.Timer { return r.timerFn(d, fn) }
