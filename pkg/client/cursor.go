package client

import (
	"sync"
	"time"
)

// cursorInterval is the minimum gap between two cursor sends.
const cursorInterval = 50 * time.Millisecond

// cursorPump coalesces high-frequency cursor moves into at most one
// outgoing packet per interval. Intermediate positions are overwritten
// by the latest one, only the freshest position ever leaves the pump.
type cursorPump struct {
	send func(x, y float64, ref string, ts int64)

	mu      sync.Mutex
	now     func() time.Time
	last    time.Time
	timer   *time.Timer
	pending bool
	x, y    float64
	ref     string
}

func newCursorPump(send func(x, y float64, ref string, ts int64)) *cursorPump {
	return &cursorPump{send: send, now: time.Now}
}

func (p *cursorPump) move(x, y float64, ref string) {
	p.mu.Lock()
	now := p.now()
	if p.timer == nil && now.Sub(p.last) >= cursorInterval {
		p.last = now
		p.mu.Unlock()
		p.send(x, y, ref, now.UnixMilli())
		return
	}
	p.x, p.y, p.ref, p.pending = x, y, ref, true
	if p.timer == nil {
		wait := cursorInterval - now.Sub(p.last)
		if wait < 0 {
			wait = 0
		}
		p.timer = time.AfterFunc(wait, p.flush)
	}
	p.mu.Unlock()
}

func (p *cursorPump) flush() {
	p.mu.Lock()
	p.timer = nil
	if !p.pending {
		p.mu.Unlock()
		return
	}
	x, y, ref := p.x, p.y, p.ref
	p.pending = false
	now := p.now()
	p.last = now
	p.mu.Unlock()
	p.send(x, y, ref, now.UnixMilli())
}

func (p *cursorPump) stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = false
	p.mu.Unlock()
}
