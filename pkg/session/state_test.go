package session

import (
	"fmt"
	"testing"

	"github.com/astrovia/collab/pkg/api"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join3(t *testing.T, r *Registry) (sid string, peers map[string]*fakePeer) {
	t.Helper()
	sid = create(t, r, "h", 8)
	peers = map[string]*fakePeer{}
	for _, id := range []string{"h", "a", "b"} {
		peers[id] = &fakePeer{}
		_, aerr := r.Join(sid, ident(id), "", peers[id])
		require.Nil(t, aerr)
	}
	return sid, peers
}

func cursorAt(x float64, ts int64) api.CursorMoveNotify {
	return api.CursorMoveNotify{X: x, Y: 1, Timestamp: ts, ElementRef: "natal-wheel"}
}

// A cursor update with an older timestamp than the held one vanishes
// entirely, nothing partial ever applies.
func TestCursorStaleDrop(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	r.Cursor(sid, "a", cursorAt(10, 200))
	r.Cursor(sid, "a", cursorAt(99, 100)) // stale
	settle(r, sid)

	assert.Equal(t, 1, peers["b"].count(api.CursorUpdated))
	ev := peers["b"].last(api.CursorUpdated).(api.CursorUpdatedEvent)
	assert.Equal(t, float64(10), ev.X)
	assert.EqualValues(t, 200, ev.Timestamp)

	// the origin is excluded from its own echo
	assert.Equal(t, 0, peers["a"].count(api.CursorUpdated))
}

func TestCursorEqualTimestampApplies(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	r.Cursor(sid, "a", cursorAt(10, 200))
	r.Cursor(sid, "a", cursorAt(20, 200))
	settle(r, sid)

	assert.Equal(t, 2, peers["b"].count(api.CursorUpdated))
	ev := peers["b"].last(api.CursorUpdated).(api.CursorUpdatedEvent)
	assert.Equal(t, float64(20), ev.X)
}

func env(key string, val string, ts int64) api.StateEnvelope {
	return api.StateEnvelope{Key: key, Value: json.RawMessage(fmt.Sprintf("%q", val)), Timestamp: ts}
}

// Stale shared-state writes lose the current pointer but still join the
// per-key history, so a replay sees every accepted write.
func TestStateLWWAndHistory(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	r.SyncState(sid, "a", env("chart.aspect", "trine", 200))
	r.SyncState(sid, "b", env("chart.aspect", "square", 100)) // stale
	settle(r, sid)

	assert.Equal(t, 1, peers["h"].count(api.StateSynchronized))
	ev := peers["h"].last(api.StateSynchronized).(api.StateEnvelope)
	assert.Equal(t, `"trine"`, string(ev.Value))
	assert.Equal(t, "a", ev.OriginId)

	hist := r.History(sid, "chart.aspect")
	require.Len(t, hist, 2)
	assert.Equal(t, `"square"`, string(hist[1].Value))
}

// Equal timestamps break the tie on the origin id, both replicas converge
// to the same winner no matter the arrival order.
func TestStateTimestampTie(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	r.SyncState(sid, "b", env("k", "from-b", 300))
	r.SyncState(sid, "a", env("k", "from-a", 300)) // same ts, lower origin loses
	settle(r, sid)

	assert.Equal(t, 1, peers["h"].count(api.StateSynchronized))
	ev := peers["h"].last(api.StateSynchronized).(api.StateEnvelope)
	assert.Equal(t, "b", ev.OriginId)
}

func TestStateHistoryCap(t *testing.T) {
	r, _ := testRegistry(t)
	sid, _ := join3(t, r)

	for i := 0; i < 10; i++ {
		r.SyncState(sid, "a", env("k", fmt.Sprintf("v%d", i), int64(100+i)))
	}
	settle(r, sid)

	hist := r.History(sid, "k")
	require.Len(t, hist, 4) // testConf cap
	assert.Equal(t, `"v9"`, string(hist[3].Value))
	assert.Equal(t, `"v6"`, string(hist[0].Value))
}

func TestRelayTargeting(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	msg := api.SignalingMessage{From: "a", To: "b", Payload: json.RawMessage(`{"sdp":"x"}`)}
	r.Relay(sid, api.Offer, msg)
	settle(r, sid)

	assert.Equal(t, 1, peers["b"].count(api.Offer))
	assert.Equal(t, 0, peers["h"].count(api.Offer), "relay is unicast")
	got := peers["b"].last(api.Offer).(api.SignalingMessage)
	assert.Equal(t, sid, got.SessionId)

	// unknown targets are dropped, never queued
	r.Relay(sid, api.Candidate, api.SignalingMessage{From: "a", To: "zzz"})
	settle(r, sid)
	assert.Equal(t, 0, peers["b"].count(api.Candidate))
}

func TestVoicePresenceBroadcast(t *testing.T) {
	r, _ := testRegistry(t)
	sid, peers := join3(t, r)

	r.Voice(sid, "a", true)
	settle(r, sid)
	assert.Equal(t, 1, peers["b"].count(api.VoiceJoined))
	assert.Equal(t, 0, peers["a"].count(api.VoiceJoined), "subject excluded")

	// duplicate joins are ignored
	r.Voice(sid, "a", true)
	settle(r, sid)
	assert.Equal(t, 1, peers["b"].count(api.VoiceJoined))

	r.Voice(sid, "a", false)
	settle(r, sid)
	assert.Equal(t, 1, peers["b"].count(api.VoiceLeft))

	// a voice member joins the snapshot of a late joiner
	r.Voice(sid, "b", true)
	settle(r, sid)
	snap, aerr := r.Join(sid, ident("late"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, []string{"b"}, snap.VoicePeers)
}
