package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitoring is the metrics/profiling side server.
type Monitoring struct {
	conf   config.Monitoring
	server *http.Server
	log    *logger.Logger
}

// New creates a new monitoring service.
// The tag param specifies the owner label for logs.
func New(conf config.Monitoring, tag string, log *logger.Logger) *Monitoring {
	l := log.Extend(log.With().Str("c", "metrics").Str("tag", tag))
	h := http.NewServeMux()
	if conf.ProfilingEnabled {
		prefix := conf.URLPrefix + "/debug/pprof"
		l.Info().Msgf("profiling is enabled at %v", prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
	}
	if conf.MetricEnabled {
		l.Info().Msgf("metrics are enabled at %v/metrics", conf.URLPrefix)
		h.Handle(conf.URLPrefix+"/metrics", promhttp.Handler())
	}
	return &Monitoring{
		conf: conf,
		log:  l,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.Port),
			Handler: h,
		},
	}
}

func (m *Monitoring) Run() {
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring server started")
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.log.Error().Err(err).Msg("monitoring server failed")
	}
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) Addr() string { return m.server.Addr }
