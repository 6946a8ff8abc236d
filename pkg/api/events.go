package api

import "github.com/goccy/go-json"

// Identity is the handshake blob supplied by the external auth layer.
// The server trusts its contents and only passes the token through.
type Identity struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	RoleHint string `json:"role_hint,omitempty"`
	Token    string `json:"token,omitempty"`
}

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
	RoleGuide       Role = "guide"
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

type CreateSessionRequest struct {
	Type            string `json:"type"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	MaxParticipants int    `json:"max_participants"`
	IsPrivate       bool   `json:"is_private,omitempty"`
	Password        string `json:"password,omitempty"`
}

type SessionCreatedResponse struct {
	SessionId string `json:"session_id"`
	RoomCode  string `json:"room_code,omitempty"`
}

type JoinSessionRequest struct {
	SessionId string `json:"session_id"`
	Password  string `json:"password,omitempty"`
}

type LeaveSessionRequest struct {
	SessionId string `json:"session_id"`
}

type EndSessionRequest struct {
	SessionId string `json:"session_id"`
	// Cancel marks the session cancelled instead of completed.
	Cancel bool `json:"cancel,omitempty"`
}

type PromoteRequest struct {
	SessionId     string `json:"session_id"`
	ParticipantId string `json:"participant_id"`
	Role          Role   `json:"role"`
}

type Participant struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Live     bool   `json:"live"`
	JoinedAt int64  `json:"joined_at"`
}

type Cursor struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Timestamp  int64   `json:"ts"`
	ElementRef string  `json:"element_ref,omitempty"`
}

// StateEntry is the last-known value for one shared state key.
type StateEntry struct {
	Value     json.RawMessage `json:"value"`
	OriginId  string          `json:"origin_id"`
	Timestamp int64           `json:"ts"`
}

// RosterSnapshot is the authoritative session view sent on (re)join.
// A late joiner reconstructs the whole UI state from it without any replay.
type RosterSnapshot struct {
	SessionId        string                `json:"session_id"`
	Type             string                `json:"type"`
	Title            string                `json:"title"`
	Description      string                `json:"description,omitempty"`
	Status           SessionStatus         `json:"status"`
	HostId           string                `json:"host_id"`
	RoomCode         string                `json:"room_code,omitempty"`
	MaxParticipants  int                   `json:"max_participants"`
	ParticipantCount int                   `json:"participant_count"`
	Participants     []Participant         `json:"participants"`
	SharedState      map[string]StateEntry `json:"shared_state,omitempty"`
	Cursors          map[string]Cursor     `json:"cursors,omitempty"`
	VoicePeers       []string              `json:"voice_peers,omitempty"`
}

type UserJoinedEvent struct {
	SessionId        string      `json:"session_id"`
	Participant      Participant `json:"participant"`
	ParticipantCount int         `json:"participant_count"`
}

type UserLeftEvent struct {
	SessionId        string `json:"session_id"`
	ParticipantId    string `json:"participant_id"`
	ParticipantCount int    `json:"participant_count"`
	Reason           string `json:"reason,omitempty"` // left | timeout | kicked | ended
}

type HostTransferredEvent struct {
	SessionId        string `json:"session_id"`
	HostId           string `json:"host_id"`
	ParticipantCount int    `json:"participant_count"`
}

type RoleChangedEvent struct {
	SessionId     string `json:"session_id"`
	ParticipantId string `json:"participant_id"`
	Role          Role   `json:"role"`
}

type SessionEndedEvent struct {
	SessionId string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

type SessionStatusEvent struct {
	SessionId string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

type CursorMoveNotify struct {
	SessionId  string  `json:"session_id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Timestamp  int64   `json:"ts"`
	ElementRef string  `json:"element_ref,omitempty"`
}

type CursorUpdatedEvent struct {
	SessionId     string `json:"session_id"`
	ParticipantId string `json:"participant_id"`
	Cursor
}

// StateEnvelope carries one namespaced domain event. The payload is opaque
// to the collaboration core, it is only merged by key and timestamp.
type StateEnvelope struct {
	SessionId string          `json:"session_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	OriginId  string          `json:"origin_id,omitempty"`
	Timestamp int64           `json:"ts"`
}

type VoiceChannelNotify struct {
	SessionId string `json:"session_id"`
}

type VoicePresenceEvent struct {
	SessionId     string `json:"session_id"`
	ParticipantId string `json:"participant_id"`
}

// SignalingMessage relays session descriptions and connectivity candidates
// between two participants. The payload is never inspected, only routed by
// the To field, and never queued: no current membership means a silent drop.
type SignalingMessage struct {
	SessionId string          `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
}
