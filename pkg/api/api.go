// Package api defines the wire contract between collaboration clients and the
// session server.
//
// Each call (request and response) is a JSON-encoded "packet" of the following
// structure:
//
//	id - (optional) a globally unique packet id;
//	 t - (required) one of the predefined unique packet types;
//	 p - (optional) packet payload with arbitrary data.
//
// Packets with a non-empty id form request/response pairs: the response
// carries the id of the request it answers. Packets with an empty id are
// fire-and-forget notifications. Failures of request/response operations come
// back as an ErrorEvent packet with the request id and an Error payload;
// fire-and-forget traffic fails silently (at-most-once delivery).
package api

import (
	"github.com/goccy/go-json"
)

type (
	In struct {
		Id      string          `json:"id,omitempty"`
		T       PT              `json:"t"`
		Payload json.RawMessage `json:"p,omitempty"` // 2-pass unmarshal
	}
	Out struct {
		Id      string `json:"id,omitempty"`
		T       PT     `json:"t"`
		Payload any    `json:"p,omitempty"`
	}
	PT uint8
)

func (i In) GetId() string      { return i.Id }
func (i In) GetPayload() []byte { return i.Payload }
func (i In) GetType() PT        { return i.T }

// Packet codes:
//
//	1xx - client requests and notifications
//	2xx - server events
//	3x  - peer signaling (relayed verbatim)
const (
	CreateSession PT = 101
	JoinSession   PT = 102
	LeaveSession  PT = 103
	EndSession    PT = 104
	PauseSession  PT = 105
	ResumeSession PT = 106
	Promote       PT = 107
	CursorMove    PT = 110
	SyncState     PT = 111
	VoiceJoin     PT = 112
	VoiceLeave    PT = 113

	SessionCreated    PT = 201
	SessionJoined     PT = 202
	SessionEnded      PT = 203
	SessionPaused     PT = 204
	SessionResumed    PT = 205
	UserJoined        PT = 210
	UserLeft          PT = 211
	HostTransferred   PT = 212
	RoleChanged       PT = 213
	CursorUpdated     PT = 220
	StateSynchronized PT = 221
	VoiceJoined       PT = 222
	VoiceLeft         PT = 223

	Offer     PT = 31
	Answer    PT = 32
	Candidate PT = 33

	ErrorEvent PT = 255
)

var ptNames = map[PT]string{
	CreateSession:     "create_session",
	JoinSession:       "join_collaboration",
	LeaveSession:      "leave_collaboration",
	EndSession:        "end_session",
	PauseSession:      "pause_session",
	ResumeSession:     "resume_session",
	Promote:           "promote",
	CursorMove:        "cursor_move",
	SyncState:         "sync_state",
	VoiceJoin:         "voice_join",
	VoiceLeave:        "voice_leave",
	SessionCreated:    "session_created",
	SessionJoined:     "session_joined",
	SessionEnded:      "session_ended",
	SessionPaused:     "session_paused",
	SessionResumed:    "session_resumed",
	UserJoined:        "user_joined",
	UserLeft:          "user_left",
	HostTransferred:   "host_transferred",
	RoleChanged:       "role_changed",
	CursorUpdated:     "cursor_updated",
	StateSynchronized: "state_synchronized",
	VoiceJoined:       "voice_joined",
	VoiceLeft:         "voice_left",
	Offer:             "offer",
	Answer:            "answer",
	Candidate:         "candidate",
	ErrorEvent:        "error",
}

func (p PT) String() string {
	if name, ok := ptNames[p]; ok {
		return name
	}
	return "unknown"
}

// Unwrap decodes a payload into T, returns nil when malformed.
func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func UnwrapChecked[T any](bytes []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return Unwrap[T](bytes), nil
}
