package com

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pongTime       = 60 * time.Second
	pingTime       = pongTime * 9 / 10
	writeWait      = 10 * time.Second
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type MessageHandler func(message []byte, err error)

// WS wraps a gorilla websocket connection with
// serialized read/write pumps and i/o deadlines.
type WS struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	pinger  bool
	handler MessageHandler

	log *logger.Logger
}

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{
	Upgrader: websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     func(r *http.Request) bool { return true },
	},
}

// NewUpgrader makes an upgrader which restricts connections to one origin.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	if origin != "" {
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServerWithConn wraps an already upgraded server-side connection.
// The server side owns the ping cycle.
func NewServerWithConn(conn *websocket.Conn, log *logger.Logger) (*WS, error) {
	if conn == nil {
		return nil, errors.New("no connection")
	}
	return newSocket(conn, true, log), nil
}

// NewConnector dials a websocket endpoint.
func NewConnector(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, pinger bool, log *logger.Logger) *WS {
	return &WS{
		conn:   conn,
		send:   make(chan []byte, 32),
		done:   make(chan struct{}),
		pinger: pinger,
		log:    log,
	}
}

func (ws *WS) SetMessageHandler(fn MessageHandler) { ws.handler = fn }

func (ws *WS) IsServer() bool { return ws.pinger }

// Listen starts the pumps and returns a channel closed when the reader exits.
func (ws *WS) Listen() chan struct{} {
	go ws.writer()
	go ws.reader()
	return ws.done
}

// reader pumps messages from the connection into the message handler.
func (ws *WS) reader() {
	defer func() {
		ws.Close()
		close(ws.done)
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongTime))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongTime))
	})
	ws.conn.SetPingHandler(func(m string) error {
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongTime))
		return ws.conn.WriteControl(websocket.PongMessage, []byte(m), time.Now().Add(writeWait))
	})
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Debug().Err(err).Msg("read fail")
			}
			return
		}
		if ws.handler != nil {
			ws.handler(message, nil)
		}
	}
}

// writer pumps messages from the send channel into the connection
// and keeps the ping cycle when the socket is server-side.
func (ws *WS) writer() {
	var ping <-chan time.Time
	if ws.pinger {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case message, ok := <-ws.send:
			if !ok {
				_ = ws.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ping:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *WS) write(t int, mess []byte) error {
	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.conn.WriteMessage(t, mess)
}

// Write queues data for delivery. Instead of blocking a slow or gone
// receiver drops the message and reports ErrBackpressure.
func (ws *WS) Write(data []byte) error {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.closed {
		return ErrConnClosed
	}
	select {
	case ws.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (ws *WS) Close() {
	ws.once.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		close(ws.send)
		ws.mu.Unlock()
		_ = ws.conn.Close()
	})
}
