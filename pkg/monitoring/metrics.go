package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "sessions_active",
		Help:      "Number of live collaboration sessions.",
	})
	ParticipantsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "participants_joined_total",
		Help:      "Total successful session admissions.",
	})
	CursorUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "cursor_updates_total",
		Help:      "Total cursor updates accepted for rebroadcast.",
	})
	EnvelopesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "state_envelopes_total",
		Help:      "Total shared state envelopes merged.",
	})
	SignalsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "signaling_relayed_total",
		Help:      "Total peer signaling messages relayed.",
	})
)
