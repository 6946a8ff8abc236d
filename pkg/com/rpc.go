package com

import (
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/goccy/go-json"
)

const callTimeout = 5 * time.Second

var outPool = sync.Pool{New: func() any { o := api.Out{}; return &o }}

type call struct {
	done     chan struct{}
	err      error
	Response api.In
}

// Client is a packet-oriented connection endpoint. It multiplexes
// correlated request/response calls and fire-and-forget notifications
// over one websocket, on either side of it.
type Client struct {
	id   Uid
	conn *WS

	mu       sync.Mutex
	queue    map[Uid]*call
	onPacket func(packet api.In)

	log *logger.Logger
}

// NewClient wraps a socket. The tag names the remote party in logs.
func NewClient(conn *WS, tag string, id Uid, log *logger.Logger) *Client {
	if id.IsEmpty() {
		id = NewUid()
	}
	dir := "→"
	if conn.IsServer() {
		dir = "←"
	}
	l := log.Extend(log.With().
		Str("cid", id.Short()).
		Str("tag", tag).
		Str(logger.DirectionField, dir),
	)
	c := &Client{id: id, conn: conn, queue: make(map[Uid]*call, 1), log: l}
	conn.SetMessageHandler(c.handleMessage)
	return c
}

func (c *Client) Id() Uid              { return c.id }
func (c *Client) Log() *logger.Logger  { return c.log }
func (c *Client) String() string       { return c.id.String() }
func (c *Client) Listen() chan struct{} { return c.conn.Listen() }

// OnPacket sets the handler for uncorrelated (non-response) packets.
// Must be set before Listen.
func (c *Client) OnPacket(fn func(packet api.In)) {
	c.mu.Lock()
	c.onPacket = fn
	c.mu.Unlock()
}

// Call makes a blocking correlated request. An ErrorEvent response is
// returned as *api.Error.
func (c *Client) Call(t api.PT, payload any) ([]byte, error) {
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("ᵇ%v", t)
	rq := outPool.Get().(*api.Out)
	id := NewUid()
	rq.Id, rq.T, rq.Payload = id.String(), t, payload
	r, err := json.Marshal(rq)
	outPool.Put(rq)
	if err != nil {
		return nil, err
	}

	task := &call{done: make(chan struct{})}
	c.mu.Lock()
	c.queue[id] = task
	c.mu.Unlock()
	if err = c.conn.Write(r); err != nil {
		c.pop(id)
		return nil, err
	}
	select {
	case <-task.done:
	case <-time.After(callTimeout):
		if c.pop(id) != nil {
			task.err = api.NewError(api.ErrTimeout, "call timed out")
		} else {
			// response raced the timeout, it is already in flight
			<-task.done
		}
	}
	if task.err != nil {
		return nil, task.err
	}
	if task.Response.T == api.ErrorEvent {
		if e := api.Unwrap[api.Error](task.Response.Payload); e != nil {
			return nil, e
		}
		return nil, api.NewError(api.ErrInternal, "malformed error response")
	}
	return task.Response.Payload, nil
}

// Notify just sends a message and goes further.
func (c *Client) Notify(t api.PT, payload any) {
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v", t)
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = "", t, payload
	defer outPool.Put(rq)
	_ = c.sendPacket(rq)
}

// Route replies to the in packet with the out payload keeping its id.
func (c *Client) Route(in api.In, t api.PT, payload any) {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = in.Id, t, payload
	defer outPool.Put(rq)
	_ = c.sendPacket(rq)
}

// RouteError replies to the in packet with a typed error.
func (c *Client) RouteError(in api.In, e *api.Error) {
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v %v", api.ErrorEvent, e.Code)
	c.Route(in, api.ErrorEvent, e)
}

func (c *Client) sendPacket(packet *api.Out) error {
	r, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	return c.conn.Write(r)
}

func (c *Client) Disconnect() {
	c.conn.Close()
	c.drain(ErrConnClosed)
	c.log.Debug().Str(logger.DirectionField, "x").Msg("close")
}

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}
	var res api.In
	if err = json.Unmarshal(message, &res); err != nil {
		c.log.Error().Err(err).Msg("malformed packet")
		return
	}
	// non-empty id: either a tracked response or a correlated request
	if res.Id != "" {
		if task := c.pop(UidFrom(res.Id)); task != nil {
			task.Response = res
			close(task.done)
			return
		}
	}
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		c.log.Debug().Str(logger.DirectionField, "←").Msgf("%v", res.T)
		fn(res)
	}
}

// pop extracts and removes a task from the queue by its id.
func (c *Client) pop(id Uid) *call {
	c.mu.Lock()
	task := c.queue[id]
	delete(c.queue, id)
	c.mu.Unlock()
	return task
}

// drain cancels all what's left in the task queue.
func (c *Client) drain(err error) {
	c.mu.Lock()
	for id, task := range c.queue {
		if task.err == nil {
			task.err = err
		}
		delete(c.queue, id)
		close(task.done)
	}
	c.mu.Unlock()
}
