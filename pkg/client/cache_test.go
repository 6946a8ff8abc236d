package client

import (
	"testing"

	"github.com/astrovia/collab/pkg/api"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

func seeded() *cache {
	c := &cache{}
	c.reset(api.RosterSnapshot{
		SessionId:        "s1",
		Status:           api.StatusActive,
		HostId:           "h",
		ParticipantCount: 2,
		Participants: []api.Participant{
			{Id: "h", Role: api.RoleHost, Live: true},
			{Id: "a", Role: api.RoleParticipant, Live: true},
		},
	})
	return c
}

// The participant count is taken from the server events verbatim, never
// recomputed, so grace-window members keep counting.
func TestCacheCountIsAuthoritative(t *testing.T) {
	c := seeded()
	c.userJoined(api.UserJoinedEvent{
		SessionId:        "s1",
		Participant:      api.Participant{Id: "b", Role: api.RoleParticipant, Live: true},
		ParticipantCount: 5,
	})
	snap := c.snapshot()
	assert.Equal(t, 5, snap.ParticipantCount)
	assert.Len(t, snap.Participants, 3)

	c.userLeft(api.UserLeftEvent{SessionId: "s1", ParticipantId: "b", ParticipantCount: 4})
	snap = c.snapshot()
	assert.Equal(t, 4, snap.ParticipantCount)
	assert.Len(t, snap.Participants, 2)
}

func TestCacheHostTransfer(t *testing.T) {
	c := seeded()
	c.userLeft(api.UserLeftEvent{SessionId: "s1", ParticipantId: "h", ParticipantCount: 1})
	c.hostTransferred(api.HostTransferredEvent{SessionId: "s1", HostId: "a", ParticipantCount: 1})

	snap := c.snapshot()
	assert.Equal(t, "a", snap.HostId)
	assert.Equal(t, api.RoleHost, snap.Participants[0].Role)
}

func TestCacheCursorStaleDrop(t *testing.T) {
	c := seeded()
	fresh := api.CursorUpdatedEvent{SessionId: "s1", ParticipantId: "a",
		Cursor: api.Cursor{X: 10, Timestamp: 200}}
	stale := api.CursorUpdatedEvent{SessionId: "s1", ParticipantId: "a",
		Cursor: api.Cursor{X: 99, Timestamp: 100}}

	assert.True(t, c.cursor(fresh))
	assert.False(t, c.cursor(stale), "older timestamps drop entirely")
	assert.Equal(t, float64(10), c.snapshot().Cursors["a"].X)
}

func TestCacheStateLWW(t *testing.T) {
	c := seeded()
	newer := api.StateEnvelope{Key: "k", Value: json.RawMessage(`1`), OriginId: "b", Timestamp: 200}
	older := api.StateEnvelope{Key: "k", Value: json.RawMessage(`2`), OriginId: "a", Timestamp: 100}
	tied := api.StateEnvelope{Key: "k", Value: json.RawMessage(`3`), OriginId: "a", Timestamp: 200}

	assert.True(t, c.state(newer))
	assert.False(t, c.state(older))
	assert.False(t, c.state(tied), "equal timestamp loses on lower origin id")
	assert.Equal(t, `1`, string(c.snapshot().SharedState["k"].Value))

	wins := api.StateEnvelope{Key: "k", Value: json.RawMessage(`4`), OriginId: "z", Timestamp: 200}
	assert.True(t, c.state(wins), "equal timestamp wins on higher origin id")
}

func TestCacheVoicePeers(t *testing.T) {
	c := seeded()
	c.voice("a", true)
	c.voice("a", true) // duplicate
	assert.Equal(t, []string{"a"}, c.snapshot().VoicePeers)

	c.voice("a", false)
	assert.Empty(t, c.snapshot().VoicePeers)

	// leaving the session drops the voice slot too
	c.voice("a", true)
	c.userLeft(api.UserLeftEvent{SessionId: "s1", ParticipantId: "a", ParticipantCount: 1})
	assert.Empty(t, c.snapshot().VoicePeers)
}

func TestCacheSnapshotIsolation(t *testing.T) {
	c := seeded()
	snap := c.snapshot()
	snap.Participants[0].Id = "mutated"
	snap.SharedState["x"] = api.StateEntry{}

	fresh := c.snapshot()
	assert.Equal(t, "h", fresh.Participants[0].Id)
	assert.NotContains(t, fresh.SharedState, "x")
}
