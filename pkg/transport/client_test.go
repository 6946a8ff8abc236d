package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/com"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ptEcho = api.PT(40)
	ptPush = api.PT(41)
)

// testServer accepts one websocket at a time, echoes calls and lets the
// test push packets or cut the wire.
type testServer struct {
	t   *testing.T
	log *logger.Logger

	mu       sync.Mutex
	conn     *com.Client
	accepted int
	identity api.Identity
}

func (s *testServer) serve(w http.ResponseWriter, r *http.Request) {
	identity, err := api.DecodeIdentity(r.URL.Query().Get("data"))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	ws, err := com.DefaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed, %v", err)
		return
	}
	sock, _ := com.NewServerWithConn(ws, s.log)
	conn := com.NewClient(sock, "t", com.NilUid, s.log)
	conn.OnPacket(func(in api.In) {
		if in.T == ptEcho {
			conn.Route(in, ptEcho, json.RawMessage(in.Payload))
		}
	})
	s.mu.Lock()
	s.conn = conn
	s.accepted++
	s.identity = identity
	s.mu.Unlock()
	conn.Listen()
}

func (s *testServer) push(t api.PT, payload any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	conn.Notify(t, payload)
}

func (s *testServer) cut() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	conn.Disconnect()
}

func (s *testServer) acceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func startServer(t *testing.T) (*testServer, url.URL, func()) {
	t.Helper()
	srv := &testServer{t: t, log: logger.Default()}
	ts := httptest.NewServer(http.HandlerFunc(srv.serve))
	addr, _ := url.Parse("ws" + strings.TrimPrefix(ts.URL, "http"))
	return srv, *addr, ts.Close
}

func fastConf() config.Transport {
	return config.Transport{
		ReconnectBase:     5 * time.Millisecond,
		ReconnectCap:      20 * time.Millisecond,
		ReconnectAttempts: 5,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

func TestConnectAndCall(t *testing.T) {
	srv, addr, stop := startServer(t)
	defer stop()

	c, err := Connect(addr, api.Identity{Id: "u1", Token: "tok"}, fastConf(), logger.Default())
	require.NoError(t, err)
	defer c.Close()

	waitFor(t, func() bool { return srv.acceptedCount() == 1 }, "accept")
	assert.Equal(t, "u1", srv.identity.Id, "identity travels in the handshake")

	v, err := c.Call(ptEcho, "ping")
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(v, &got))
	assert.Equal(t, "ping", got)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	srv, addr, stop := startServer(t)
	defer stop()

	c, err := Connect(addr, api.Identity{Id: "u1"}, fastConf(), logger.Default())
	require.NoError(t, err)
	defer c.Close()
	waitFor(t, func() bool { return srv.acceptedCount() == 1 }, "accept")

	var mu sync.Mutex
	var got int
	unsub := c.Subscribe(ptPush, func(in api.In) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	srv.push(ptPush, "hello")
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return got == 1 }, "push")

	unsub()
	srv.push(ptPush, "again")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, got, "unsubscribed handlers stay silent")
	mu.Unlock()
}

// A cut wire redials with backoff; handler subscriptions survive the
// reconnect without re-registration.
func TestReconnectKeepsSubscriptions(t *testing.T) {
	srv, addr, stop := startServer(t)
	defer stop()

	c, err := Connect(addr, api.Identity{Id: "u1"}, fastConf(), logger.Default())
	require.NoError(t, err)
	defer c.Close()
	waitFor(t, func() bool { return srv.acceptedCount() == 1 }, "accept")

	var mu sync.Mutex
	var states []State
	var pushes int
	c.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	c.Subscribe(ptPush, func(in api.In) {
		mu.Lock()
		pushes++
		mu.Unlock()
	})

	srv.cut()
	waitFor(t, func() bool { return srv.acceptedCount() == 2 }, "redial")
	waitFor(t, func() bool { return c.State() == StateConnected }, "reconnect")

	srv.push(ptPush, "after")
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return pushes == 1 }, "push after reconnect")

	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	assert.Contains(t, states, StateConnected)
	mu.Unlock()
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	srv, addr, stop := startServer(t)

	c, err := Connect(addr, api.Identity{Id: "u1"}, fastConf(), logger.Default())
	require.NoError(t, err)
	defer c.Close()
	waitFor(t, func() bool { return srv.acceptedCount() == 1 }, "accept")

	stop() // server gone for good
	srv.cut()

	waitFor(t, func() bool { return c.State() == StateDisconnected }, "terminal state")
	_, err = c.Call(ptEcho, "x")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestVoluntaryCloseNoReconnect(t *testing.T) {
	srv, addr, stop := startServer(t)
	defer stop()

	c, err := Connect(addr, api.Identity{Id: "u1"}, fastConf(), logger.Default())
	require.NoError(t, err)
	waitFor(t, func() bool { return srv.acceptedCount() == 1 }, "accept")

	c.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.acceptedCount(), "closed clients must not redial")
	assert.Equal(t, StateDisconnected, c.State())
}
