package config

import (
	"time"

	"github.com/spf13/pflag"
)

type (
	// Config is the root configuration tree of the collaboration server.
	Config struct {
		Collab Collab
	}
	Collab struct {
		Debug      bool
		Server     Server
		Session    Session
		Transport  Transport
		Webrtc     Webrtc
		Monitoring Monitoring
	}
	Server struct {
		Address string `fig:"address" default:":9000"`
		Origin  string `fig:"origin"`
	}
	Session struct {
		// DefaultMaxParticipants applies when a create request passes 0.
		DefaultMaxParticipants int `fig:"defaultMaxParticipants" default:"12"`
		// MaxParticipantsCap is the hard upper bound for any session.
		MaxParticipantsCap int `fig:"maxParticipantsCap" default:"64"`
		// DisconnectGrace keeps the roster slot of a dropped participant.
		DisconnectGrace time.Duration `fig:"disconnectGrace" default:"30s"`
		RoomCodeLength  int           `fig:"roomCodeLength" default:"6"`
		// StateHistoryCap bounds the per-key shared state history.
		StateHistoryCap int `fig:"stateHistoryCap" default:"128"`
	}
	Transport struct {
		ReconnectBase     time.Duration `fig:"reconnectBase" default:"500ms"`
		ReconnectCap      time.Duration `fig:"reconnectCap" default:"10s"`
		ReconnectAttempts int           `fig:"reconnectAttempts" default:"7"`
	}
	Webrtc struct {
		IceServers []IceServer
		// TurnSecret signs time-boxed TURN REST credentials.
		TurnSecret    string        `fig:"turnSecret"`
		CredentialTTL time.Duration `fig:"credentialTtl" default:"1h"`
		// NegotiationTimeout closes peer links stuck in offering/answering.
		NegotiationTimeout time.Duration `fig:"negotiationTimeout" default:"15s"`
		// RenegotiationAttempts before a peer link failure is terminal.
		RenegotiationAttempts int `fig:"renegotiationAttempts" default:"2"`
		LogLevel              int `fig:"logLevel" default:"3"`
	}
	IceServer struct {
		Urls       string `fig:"urls" json:"urls,omitempty"`
		Username   string `fig:"username" json:"username,omitempty"`
		Credential string `fig:"credential" json:"credential,omitempty"`
	}
	Monitoring struct {
		Port             int    `fig:"port" default:"6601"`
		URLPrefix        string `fig:"urlPrefix"`
		MetricEnabled    bool   `fig:"metricEnabled"`
		ProfilingEnabled bool   `fig:"profilingEnabled"`
	}
)

func (m *Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

// NewConfig loads the config from the optional path and the environment.
func NewConfig(path string) (Config, error) {
	var c Config
	err := LoadConfig(&c, path)
	return c, err
}

// ParseFlags defines and parses the CLI flag overrides.
func (c *Config) ParseFlags() {
	pflag.BoolVarP(&c.Collab.Debug, "debug", "d", c.Collab.Debug, "debug logging")
	pflag.StringVarP(&c.Collab.Server.Address, "address", "a", c.Collab.Server.Address, "server address (host:port)")
	pflag.Parse()
}
