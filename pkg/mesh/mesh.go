// Package mesh pairs voice participants into a full mesh of peer links.
// The server only relays signaling, so both sides of every pair run this
// coordinator; a deterministic initiator rule keeps the pair from
// offering to each other at the same time.
package mesh

import (
	"sync"
	"time"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
)

type (
	// Signaler pushes signaling payloads towards one peer, normally the
	// relay of a connected collaboration client.
	Signaler interface {
		Signal(t api.PT, to string, payload []byte)
	}

	// PeerConn is one media transport towards a peer. Implementations
	// exchange opaque description and candidate blobs.
	PeerConn interface {
		CreateOffer() ([]byte, error)
		// CreateAnswer applies the remote offer and produces the answer.
		CreateAnswer(offer []byte) ([]byte, error)
		SetAnswer(answer []byte) error
		AddCandidate(candidate []byte) error
		OnCandidate(fn func(candidate []byte))
		OnConnected(fn func())
		OnFailed(fn func())
		Close() error
	}

	// Provider spawns peer connections.
	Provider interface {
		NewConn(peerId string) (PeerConn, error)
	}
)

// Initiator picks which of the two participants starts the negotiation.
// Both sides evaluate it to the same answer, so exactly one offers.
func Initiator(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// Coordinator owns the peer links of one local participant.
type Coordinator struct {
	self     string
	sig      Signaler
	provider Provider
	conf     config.Webrtc
	log      *logger.Logger

	// PeerUp fires when a link reaches connected, PeerDown when it is
	// gone for good (teardown or negotiation given up).
	PeerUp   func(peerId string, conn PeerConn)
	PeerDown func(peerId string)

	mu      sync.Mutex
	links   map[string]*link
	timerFn func(d time.Duration, fn func()) *time.Timer
}

func NewCoordinator(self string, sig Signaler, provider Provider, conf config.Webrtc, log *logger.Logger) *Coordinator {
	return &Coordinator{
		self:     self,
		sig:      sig,
		provider: provider,
		conf:     conf,
		log:      log.Extend(log.With().Str("m", "mesh").Str("pid", self)),
		links:    make(map[string]*link),
		timerFn:  time.AfterFunc,
	}
}

// Connect pairs with a peer that entered the voice channel. Only the
// initiator side acts, the other side waits for the inbound offer.
func (c *Coordinator) Connect(peerId string) {
	if peerId == c.self || Initiator(c.self, peerId) != c.self {
		return
	}
	c.mu.Lock()
	if l, ok := c.links[peerId]; ok && l.live() {
		c.mu.Unlock()
		return
	}
	l, err := c.open(peerId)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Str("peer", peerId).Msg("no peer conn")
		return
	}
	err = c.offer(l)
	c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Str("peer", peerId).Msg("offer failed")
		c.fail(peerId)
	}
}

// open creates a fresh link record, lock held.
func (c *Coordinator) open(peerId string) (*link, error) {
	conn, err := c.provider.NewConn(peerId)
	if err != nil {
		return nil, err
	}
	l := &link{peer: peerId, conn: conn}
	c.links[peerId] = l
	conn.OnCandidate(func(candidate []byte) {
		c.sig.Signal(api.Candidate, peerId, candidate)
	})
	conn.OnConnected(func() { c.connected(peerId) })
	conn.OnFailed(func() { c.fail(peerId) })
	return l, nil
}

// offer sends the local description, lock held.
func (c *Coordinator) offer(l *link) error {
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		return err
	}
	l.state = linkOffering
	c.armGuard(l)
	c.log.Debug().Str("peer", l.peer).Msg("offering")
	c.sig.Signal(api.Offer, l.peer, sdp)
	return nil
}

// HandleSignal feeds one relayed message into the state machine.
func (c *Coordinator) HandleSignal(t api.PT, msg api.SignalingMessage) {
	switch t {
	case api.Offer:
		c.onOffer(msg.From, msg.Payload)
	case api.Answer:
		c.onAnswer(msg.From, msg.Payload)
	case api.Candidate:
		c.onCandidate(msg.From, msg.Payload)
	}
}

// onOffer answers a remote offer. When both sides offered at once the
// rightful initiator ignores the inbound offer and keeps its own; the
// other side abandons its offer and answers instead.
func (c *Coordinator) onOffer(from string, sdp []byte) {
	if from == "" || from == c.self {
		return
	}
	c.mu.Lock()
	if l, ok := c.links[from]; ok && l.live() {
		if Initiator(c.self, from) == c.self {
			c.mu.Unlock()
			c.log.Debug().Str("peer", from).Msg("glare, offer ignored")
			return
		}
		c.close(l)
	}
	l, err := c.open(from)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Str("peer", from).Msg("no peer conn")
		return
	}
	answer, err := l.conn.CreateAnswer(sdp)
	if err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Str("peer", from).Msg("answer failed")
		c.fail(from)
		return
	}
	l.state = linkAnswering
	l.described = true
	c.flush(l)
	c.armGuard(l)
	c.mu.Unlock()
	c.sig.Signal(api.Answer, from, answer)
}

func (c *Coordinator) onAnswer(from string, sdp []byte) {
	c.mu.Lock()
	l, ok := c.links[from]
	if !ok || l.state != linkOffering {
		c.mu.Unlock()
		return
	}
	if err := l.conn.SetAnswer(sdp); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Str("peer", from).Msg("bad answer")
		c.fail(from)
		return
	}
	l.state = linkConnecting
	l.described = true
	c.flush(l)
	c.mu.Unlock()
}

// onCandidate applies or buffers a remote candidate. Candidates arriving
// before the remote description wait in order until it lands.
func (c *Coordinator) onCandidate(from string, candidate []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[from]
	if !ok || !l.live() {
		return
	}
	if !l.described {
		l.buffered = append(l.buffered, candidate)
		return
	}
	if err := l.conn.AddCandidate(candidate); err != nil {
		c.log.Warn().Err(err).Str("peer", from).Msg("candidate dropped")
	}
}

// flush replays buffered candidates, lock held.
func (c *Coordinator) flush(l *link) {
	for _, candidate := range l.buffered {
		if err := l.conn.AddCandidate(candidate); err != nil {
			c.log.Warn().Err(err).Str("peer", l.peer).Msg("candidate dropped")
		}
	}
	l.buffered = nil
}

// armGuard bounds the negotiation time, lock held.
func (c *Coordinator) armGuard(l *link) {
	l.stopGuard()
	peer := l.peer
	l.guard = c.timerFn(c.conf.NegotiationTimeout, func() {
		c.mu.Lock()
		cur, ok := c.links[peer]
		stuck := ok && cur.live() && cur.state != linkConnected
		c.mu.Unlock()
		if stuck {
			c.log.Warn().Str("peer", peer).Msg("negotiation timed out")
			c.fail(peer)
		}
	})
}

func (c *Coordinator) connected(peerId string) {
	c.mu.Lock()
	l, ok := c.links[peerId]
	if !ok || !l.live() {
		c.mu.Unlock()
		return
	}
	l.state = linkConnected
	l.attempts = 0
	l.stopGuard()
	conn := l.conn
	c.mu.Unlock()
	c.log.Info().Str("peer", peerId).Msg("peer link up")
	if c.PeerUp != nil {
		c.PeerUp(peerId, conn)
	}
}

// fail closes a broken link and retries the negotiation from scratch
// while the attempt budget lasts. Only the initiator re-offers, the
// other side would answer the fresh offer.
func (c *Coordinator) fail(peerId string) {
	c.mu.Lock()
	l, ok := c.links[peerId]
	if !ok || l.state == linkClosed {
		c.mu.Unlock()
		return
	}
	attempts := l.attempts
	c.close(l)
	retry := attempts < c.conf.RenegotiationAttempts && Initiator(c.self, peerId) == c.self
	var err error
	if retry {
		var nl *link
		if nl, err = c.open(peerId); err == nil {
			nl.attempts = attempts + 1
			err = c.offer(nl)
		}
	}
	c.mu.Unlock()
	if retry && err == nil {
		c.log.Info().Str("peer", peerId).Msgf("renegotiating, attempt %v", attempts+1)
		return
	}
	if err != nil {
		c.log.Error().Err(err).Str("peer", peerId).Msg("renegotiation failed")
	}
	if c.PeerDown != nil {
		c.PeerDown(peerId)
	}
}

// Disconnect tears the link of a departed peer down.
func (c *Coordinator) Disconnect(peerId string) {
	c.mu.Lock()
	l, ok := c.links[peerId]
	if ok {
		c.close(l)
		delete(c.links, peerId)
	}
	c.mu.Unlock()
	if ok && c.PeerDown != nil {
		c.PeerDown(peerId)
	}
}

// close finalizes a link, lock held.
func (c *Coordinator) close(l *link) {
	if l.state == linkClosed {
		return
	}
	l.stopGuard()
	l.state = linkClosed
	l.buffered = nil
	_ = l.conn.Close()
}

// State reports the negotiation phase of one link for introspection.
func (c *Coordinator) State(peerId string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[peerId]; ok {
		return l.state.String()
	}
	return linkIdle.String()
}

// Shutdown drops every link, on voice or session leave.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	peers := make([]string, 0, len(c.links))
	for id, l := range c.links {
		c.close(l)
		peers = append(peers, id)
	}
	c.links = make(map[string]*link)
	c.mu.Unlock()
	if c.PeerDown != nil {
		for _, id := range peers {
			c.PeerDown(id)
		}
	}
}
