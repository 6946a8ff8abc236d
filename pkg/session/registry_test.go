package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	t       api.PT
	payload any
}

func (f *fakePeer) Notify(t api.PT, payload any) {
	f.mu.Lock()
	f.events = append(f.events, fakeEvent{t: t, payload: payload})
	f.mu.Unlock()
}

func (f *fakePeer) count(t api.PT) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.t == t {
			n++
		}
	}
	return n
}

func (f *fakePeer) last(t api.PT) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].t == t {
			return f.events[i].payload
		}
	}
	return nil
}

func testConf() config.Session {
	return config.Session{
		DefaultMaxParticipants: 12,
		MaxParticipantsCap:     64,
		DisconnectGrace:        30 * time.Second,
		RoomCodeLength:         6,
		StateHistoryCap:        4,
	}
}

// testRegistry intercepts grace timers so tests fire them by hand.
func testRegistry(t *testing.T) (*Registry, *graceControl) {
	t.Helper()
	r := NewRegistry(testConf(), logger.Default())
	g := &graceControl{}
	r.timerFn = func(d time.Duration, fn func()) *time.Timer {
		g.mu.Lock()
		g.pending = append(g.pending, fn)
		g.mu.Unlock()
		return time.NewTimer(time.Hour)
	}
	return r, g
}

type graceControl struct {
	mu      sync.Mutex
	pending []func()
}

func (g *graceControl) fire() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func ident(id string) api.Identity { return api.Identity{Id: id, Name: "u-" + id} }

// settle waits for the session loop to drain queued commands.
func settle(r *Registry, sid string) {
	if s, ok := r.find(sid); ok {
		s.sync(func() {})
	}
}

func create(t *testing.T, r *Registry, host string, max int) string {
	t.Helper()
	resp, aerr := r.Create(ident(host), api.CreateSessionRequest{
		Type: "chart_reading", Title: "natal chart", MaxParticipants: max,
	})
	require.Nil(t, aerr)
	require.NotEmpty(t, resp.SessionId)
	require.Len(t, resp.RoomCode, 6)
	return resp.SessionId
}

func TestCreateValidation(t *testing.T) {
	r, _ := testRegistry(t)
	_, aerr := r.Create(ident("h"), api.CreateSessionRequest{Title: "x", MaxParticipants: 0})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrValidation, aerr.Code)

	_, aerr = r.Create(ident("h"), api.CreateSessionRequest{Title: "x", MaxParticipants: 100})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrValidation, aerr.Code)

	_, aerr = r.Create(ident("h"), api.CreateSessionRequest{Title: "  ", MaxParticipants: 4})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrValidation, aerr.Code)
}

func TestJoinUnknownSession(t *testing.T) {
	r, _ := testRegistry(t)
	_, aerr := r.Join("nope", ident("a"), "", &fakePeer{})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrNotFound, aerr.Code)
}

// Concurrent joins must never oversubscribe: with one slot left, exactly
// one of the racers wins and the rest get a full error.
func TestJoinCapacityRace(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 2)
	_, aerr := r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)

	const racers = 16
	var wg sync.WaitGroup
	var admitted, full int32
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, aerr := r.Join(sid, ident(fmt.Sprintf("p%02d", i)), "", &fakePeer{})
			mu.Lock()
			defer mu.Unlock()
			if aerr == nil {
				admitted++
			} else if aerr.Code == api.ErrFull {
				full++
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)
	assert.EqualValues(t, racers-1, full)
}

func TestDuplicateJoinIdempotent(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	host := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", host)
	require.Nil(t, aerr)

	snap, aerr := r.Join(sid, ident("a"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, 2, snap.ParticipantCount)

	// same participant id on a fresh wire replaces the old one in place
	snap, aerr = r.Join(sid, ident("a"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Equal(t, 1, host.count(api.UserJoined), "replace must not re-announce")
}

func TestHostJoinActivates(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)

	snap, aerr := r.Join(sid, ident("a"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, api.StatusWaiting, snap.Status)

	snap, aerr = r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, api.StatusActive, snap.Status)
	assert.Equal(t, api.RoleHost, pickRole(snap, "h"))
}

func pickRole(snap *api.RosterSnapshot, id string) api.Role {
	for _, p := range snap.Participants {
		if p.Id == id {
			return p.Role
		}
	}
	return ""
}

// Host failover goes to the longest-tenured participant-role member;
// observers and guides never inherit the session.
func TestHostFailoverTenure(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 8)
	peers := map[string]*fakePeer{}
	for _, id := range []string{"h", "p1", "p2"} {
		peers[id] = &fakePeer{}
		_, aerr := r.Join(sid, ident(id), "", peers[id])
		require.Nil(t, aerr)
	}
	obs := ident("o1")
	obs.RoleHint = string(api.RoleObserver)
	peers["o1"] = &fakePeer{}
	_, aerr := r.Join(sid, obs, "", peers["o1"])
	require.Nil(t, aerr)

	r.Leave(sid, "h")
	settle(r, sid)

	ev := peers["p2"].last(api.HostTransferred)
	require.NotNil(t, ev)
	assert.Equal(t, "p1", ev.(api.HostTransferredEvent).HostId)
	assert.Equal(t, 3, ev.(api.HostTransferredEvent).ParticipantCount)
}

func TestHostFailoverNoCandidateEnds(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	host := &fakePeer{}
	obsPeer := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", host)
	require.Nil(t, aerr)
	obs := ident("o1")
	obs.RoleHint = string(api.RoleObserver)
	_, aerr = r.Join(sid, obs, "", obsPeer)
	require.Nil(t, aerr)

	r.Leave(sid, "h")
	settle(r, sid)

	ev := obsPeer.last(api.SessionEnded)
	require.NotNil(t, ev)
	assert.Equal(t, api.StatusCompleted, ev.(api.SessionEndedEvent).Status)
	assert.Equal(t, 0, r.Len())
}

// A dropped wire keeps the slot: nobody is told the participant left,
// and a rejoin within the grace window slips back in silently.
func TestDisconnectGraceRejoin(t *testing.T) {
	r, grace := testRegistry(t)
	sid := create(t, r, "h", 4)
	host := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", host)
	require.Nil(t, aerr)
	wire := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", wire)
	require.Nil(t, aerr)

	r.Disconnected(sid, "a", wire)
	settle(r, sid)
	assert.Equal(t, 0, host.count(api.UserLeft))

	snap, aerr := r.Join(sid, ident("a"), "", &fakePeer{})
	require.Nil(t, aerr)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Equal(t, 1, host.count(api.UserJoined), "rejoin must not re-announce")

	// a stale grace timer firing after the rejoin is a no-op
	grace.fire()
	settle(r, sid)
	assert.Equal(t, 0, host.count(api.UserLeft))
}

func TestGraceExpiryVacates(t *testing.T) {
	r, grace := testRegistry(t)
	sid := create(t, r, "h", 4)
	host := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", host)
	require.Nil(t, aerr)
	wire := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", wire)
	require.Nil(t, aerr)

	r.Disconnected(sid, "a", wire)
	settle(r, sid)
	grace.fire()
	settle(r, sid)

	ev := host.last(api.UserLeft)
	require.NotNil(t, ev)
	left := ev.(api.UserLeftEvent)
	assert.Equal(t, "a", left.ParticipantId)
	assert.Equal(t, "timeout", left.Reason)
	assert.Equal(t, 1, left.ParticipantCount)
}

// After a duplicate join replaced the wire, the old wire's deadline may
// still expire: its late drop report must not touch the replacement slot.
func TestStaleWireDropIgnored(t *testing.T) {
	r, grace := testRegistry(t)
	sid := create(t, r, "h", 4)
	host := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", host)
	require.Nil(t, aerr)

	stale := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", stale)
	require.Nil(t, aerr)
	fresh := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", fresh)
	require.Nil(t, aerr)

	// the superseded wire drops last
	r.Disconnected(sid, "a", stale)
	settle(r, sid)

	// the slot stays live on the fresh wire and no grace timer was armed
	grace.fire()
	settle(r, sid)
	assert.Equal(t, 0, host.count(api.UserLeft))
	r.Cursor(sid, "h", api.CursorMoveNotify{SessionId: sid, X: 1, Y: 1, Timestamp: 5})
	settle(r, sid)
	assert.Equal(t, 1, fresh.count(api.CursorUpdated), "broadcasts reach the replacement wire")
	assert.Equal(t, 0, stale.count(api.CursorUpdated))

	// the fresh wire dropping still starts the grace window
	r.Disconnected(sid, "a", fresh)
	settle(r, sid)
	grace.fire()
	settle(r, sid)
	assert.Equal(t, 1, host.count(api.UserLeft))
}

func TestEndHostOnly(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	_, aerr := r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)
	member := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", member)
	require.Nil(t, aerr)

	aerr = r.End(sid, "a", false)
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrForbidden, aerr.Code)

	require.Nil(t, r.End(sid, "h", true))
	ev := member.last(api.SessionEnded)
	require.NotNil(t, ev)
	assert.Equal(t, api.StatusCancelled, ev.(api.SessionEndedEvent).Status)
	assert.Equal(t, 0, r.Len())

	// terminal sessions are gone for good
	_, aerr = r.Join(sid, ident("b"), "", &fakePeer{})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrNotFound, aerr.Code)
}

func TestPauseResume(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	_, aerr := r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)
	member := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", member)
	require.Nil(t, aerr)

	require.NotNil(t, r.Pause(sid, "a"))
	require.Nil(t, r.Pause(sid, "h"))
	assert.Equal(t, 1, member.count(api.SessionPaused))

	// pausing twice conflicts
	aerr = r.Pause(sid, "h")
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrConflict, aerr.Code)

	require.Nil(t, r.Resume(sid, "h"))
	assert.Equal(t, 1, member.count(api.SessionResumed))
}

func TestPromoteRules(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	_, aerr := r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)
	member := &fakePeer{}
	_, aerr = r.Join(sid, ident("a"), "", member)
	require.Nil(t, aerr)

	require.NotNil(t, r.Promote(sid, "a", "h", api.RoleGuide), "non-host cannot promote")
	require.NotNil(t, r.Promote(sid, "h", "a", api.RoleHost), "host role moves only by transfer")
	require.NotNil(t, r.Promote(sid, "h", "zzz", api.RoleGuide), "unknown target")

	require.Nil(t, r.Promote(sid, "h", "a", api.RoleGuide))
	ev := member.last(api.RoleChanged)
	require.NotNil(t, ev)
	assert.Equal(t, api.RoleGuide, ev.(api.RoleChangedEvent).Role)
}

func TestPrivateSessionPassword(t *testing.T) {
	r, _ := testRegistry(t)
	resp, aerr := r.Create(ident("h"), api.CreateSessionRequest{
		Type: "synastry", Title: "compatibility reading", MaxParticipants: 4,
		IsPrivate: true, Password: "scorpio",
	})
	require.Nil(t, aerr)

	_, aerr = r.Join(resp.SessionId, ident("a"), "wrong", &fakePeer{})
	require.NotNil(t, aerr)
	assert.Equal(t, api.ErrUnauthorized, aerr.Code)

	_, aerr = r.Join(resp.SessionId, ident("a"), "scorpio", &fakePeer{})
	require.Nil(t, aerr)
}

func TestRoomCodeResolve(t *testing.T) {
	r, _ := testRegistry(t)
	resp, aerr := r.Create(ident("h"), api.CreateSessionRequest{
		Type: "chart_reading", Title: "t", MaxParticipants: 4,
	})
	require.Nil(t, aerr)

	id, ok := r.ResolveCode("  " + resp.RoomCode + " ")
	require.True(t, ok)
	assert.Equal(t, resp.SessionId, id)

	_, ok = r.ResolveCode("NOPE42")
	assert.False(t, ok)

	// codes are freed once the session ends
	require.Nil(t, r.End(resp.SessionId, "h", false))
	_, ok = r.ResolveCode(resp.RoomCode)
	assert.False(t, ok)
}

func TestLastLeaveCompletes(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	_, aerr := r.Join(sid, ident("h"), "", &fakePeer{})
	require.Nil(t, aerr)

	r.Leave(sid, "h")
	settle(r, sid)
	assert.Equal(t, 0, r.Len())
}

func TestShutdownCancelsAll(t *testing.T) {
	r, _ := testRegistry(t)
	sid := create(t, r, "h", 4)
	member := &fakePeer{}
	_, aerr := r.Join(sid, ident("h"), "", member)
	require.Nil(t, aerr)

	r.Shutdown()
	ev := member.last(api.SessionEnded)
	require.NotNil(t, ev)
	assert.Equal(t, api.StatusCancelled, ev.(api.SessionEndedEvent).Status)
	assert.Equal(t, 0, r.Len())
}
