// Package rtc backs the peer mesh with pion WebRTC audio connections.
package rtc

import (
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/astrovia/collab/pkg/mesh"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

// Provider builds pion peer connections from one shared API instance.
type Provider struct {
	api  *webrtc.API
	conf webrtc.Configuration
	log  *logger.Logger

	// OnTrack receives remote audio tracks of every connection.
	OnTrack func(peerId string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func NewProvider(conf config.Webrtc, log *logger.Logger) *Provider {
	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, conf.LogLevel)}
	ice := make([]webrtc.ICEServer, 0, len(conf.IceServers))
	for _, s := range conf.IceServers {
		srv := webrtc.ICEServer{URLs: []string{s.Urls}}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		ice = append(ice, srv)
	}
	return &Provider{
		api:  webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		conf: webrtc.Configuration{ICEServers: ice},
		log:  log,
	}
}

// NewConn opens an audio send/recv connection towards one peer.
func (p *Provider) NewConn(peerId string) (mesh.PeerConn, error) {
	pc, err := p.api.NewPeerConnection(p.conf)
	if err != nil {
		return nil, err
	}
	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	conn := &Conn{pc: pc, peer: peerId, log: p.log}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || conn.onCandidate == nil {
			return
		}
		b, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		conn.onCandidate(b)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("peer", peerId).Msgf("peer state %v", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if conn.onConnected != nil {
				conn.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if conn.onFailed != nil {
				conn.onFailed()
			}
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if p.OnTrack != nil {
			p.OnTrack(peerId, track, receiver)
		}
	})
	return conn, nil
}

// Conn adapts one pion peer connection to the mesh link contract. The
// exchanged blobs are JSON session descriptions and candidate inits.
type Conn struct {
	pc   *webrtc.PeerConnection
	peer string
	log  *logger.Logger

	onCandidate func(candidate []byte)
	onConnected func()
	onFailed    func()
}

func (c *Conn) CreateOffer() ([]byte, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (c *Conn) CreateAnswer(offer []byte) ([]byte, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (c *Conn) SetAnswer(answer []byte) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(remote)
}

func (c *Conn) AddCandidate(candidate []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return c.pc.AddICECandidate(init)
}

func (c *Conn) OnCandidate(fn func(candidate []byte)) { c.onCandidate = fn }
func (c *Conn) OnConnected(fn func())                 { c.onConnected = fn }
func (c *Conn) OnFailed(fn func())                    { c.onFailed = fn }

// AddTrack attaches a local audio track, for the application media layer.
func (c *Conn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Conn) Close() error { return c.pc.Close() }
