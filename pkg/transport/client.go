// Package transport maintains the client side of the collaboration wire:
// one websocket carrying correlated calls, notifications and pushed events,
// kept alive across drops with bounded exponential backoff.
package transport

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/com"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
)

type State uint8

const (
	StateConnected State = iota
	// StateReconnecting means the wire dropped and redial attempts run.
	StateReconnecting
	// StateDisconnected is terminal: the client closed or attempts ran out.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type (
	// Handler receives pushed (uncorrelated) packets of one type.
	Handler func(in api.In)
	// StateHandler receives connection state transitions. A Connected
	// transition after Reconnecting means server-side session membership
	// may be gone and has to be re-established.
	StateHandler func(s State)
)

var ErrDisconnected = errors.New("transport disconnected")

// Client is a self-healing connection to the collaboration server.
// Subscriptions survive reconnects, session membership does not.
type Client struct {
	address  url.URL
	identity api.Identity
	conf     config.Transport
	log      *logger.Logger

	mu        sync.Mutex
	rpc       *com.Client
	state     State
	closing   bool
	nextSub   uint64
	subs      map[api.PT]map[uint64]Handler
	stateSubs map[uint64]StateHandler
}

// Connect dials the server with the given identity. The first dial is
// not retried, a client that never connected reports the error as is.
func Connect(address url.URL, identity api.Identity, conf config.Transport, log *logger.Logger) (*Client, error) {
	c := &Client{
		address:   address,
		identity:  identity,
		conf:      conf,
		log:       log.Extend(log.With().Str("m", "transport")),
		subs:      make(map[api.PT]map[uint64]Handler),
		stateSubs: make(map[uint64]StateHandler),
	}
	rpc, err := c.dial()
	if err != nil {
		return nil, err
	}
	done := c.attach(rpc)
	go c.supervise(done)
	return c, nil
}

func (c *Client) dial() (*com.Client, error) {
	u := c.address
	q := u.Query()
	q.Set("data", api.EncodeIdentity(c.identity))
	u.RawQuery = q.Encode()
	sock, err := com.NewConnector(u, c.log)
	if err != nil {
		return nil, err
	}
	return com.NewClient(sock, "srv", com.NilUid, c.log), nil
}

// attach swaps in a fresh connection and starts its pumps.
func (c *Client) attach(rpc *com.Client) chan struct{} {
	rpc.OnPacket(c.dispatch)
	c.mu.Lock()
	c.rpc = rpc
	c.state = StateConnected
	c.mu.Unlock()
	return rpc.Listen()
}

// supervise redials a dropped wire with exponential backoff until the
// attempt budget runs out or Close is called.
func (c *Client) supervise(done chan struct{}) {
	<-done
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()
	c.notifyState(StateReconnecting)
	c.log.Warn().Msg("connection lost, reconnecting")

	delay := c.conf.ReconnectBase
	for attempt := 0; attempt < c.conf.ReconnectAttempts; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > c.conf.ReconnectCap {
			delay = c.conf.ReconnectCap
		}
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		rpc, err := c.dial()
		if err != nil {
			c.log.Debug().Err(err).Msgf("redial %v failed", attempt+1)
			continue
		}
		next := c.attach(rpc)
		c.notifyState(StateConnected)
		c.log.Info().Msg("reconnected")
		go c.supervise(next)
		return
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notifyState(StateDisconnected)
	c.log.Error().Msg("reconnect attempts exhausted")
}

// Call makes a correlated request and waits for its response.
func (c *Client) Call(t api.PT, payload any) ([]byte, error) {
	rpc := c.current()
	if rpc == nil {
		return nil, ErrDisconnected
	}
	return rpc.Call(t, payload)
}

// Notify sends a fire-and-forget packet. Packets sent while the wire
// is down are dropped, per at-most-once delivery.
func (c *Client) Notify(t api.PT, payload any) {
	if rpc := c.current(); rpc != nil {
		rpc.Notify(t, payload)
	}
}

func (c *Client) current() *com.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.rpc
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a handler for pushed packets of one type and
// returns its deregistration handle.
func (c *Client) Subscribe(t api.PT, fn Handler) (unsub func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[t] == nil {
		c.subs[t] = make(map[uint64]Handler)
	}
	c.subs[t][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs[t], id)
		c.mu.Unlock()
	}
}

// OnState registers a connection state transition handler.
func (c *Client) OnState(fn StateHandler) (unsub func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// dispatch fans a pushed packet out to its subscribers, in order, on
// the read pump. Handlers must not block; per-sender event ordering
// depends on it.
func (c *Client) dispatch(in api.In) {
	c.mu.Lock()
	fns := make([]Handler, 0, len(c.subs[in.T]))
	for _, fn := range c.subs[in.T] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(in)
	}
}

func (c *Client) notifyState(s State) {
	c.mu.Lock()
	fns := make([]StateHandler, 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		go fn(s)
	}
}

// Close tears the connection down for good, without reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = StateDisconnected
	rpc := c.rpc
	c.mu.Unlock()
	if rpc != nil {
		rpc.Disconnect()
	}
	c.notifyState(StateDisconnected)
}
