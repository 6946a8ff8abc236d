package main

import (
	"context"
	goflag "flag"

	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/astrovia/collab/pkg/monitoring"
	"github.com/astrovia/collab/pkg/os"
	"github.com/astrovia/collab/pkg/server"
	"github.com/astrovia/collab/pkg/session"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf, err := config.NewConfig("")
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config load failed")
	}
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	conf.ParseFlags()

	log := logger.NewConsole(conf.Collab.Debug, "c", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	registry := session.NewRegistry(conf.Collab.Session, log)
	hub := server.NewHub(conf.Collab, registry, nil, log)
	httpSrv := server.NewHTTP(conf.Collab, hub, log)
	go httpSrv.Run()

	var mon *monitoring.Monitoring
	if conf.Collab.Monitoring.IsEnabled() {
		mon = monitoring.New(conf.Collab.Monitoring, "c", log)
		go mon.Run()
	}

	<-os.ExpectTermination()

	ctx := context.Background()
	hub.Shutdown()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if mon != nil {
		if err := mon.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring shutdown failed")
		}
	}
	log.Info().Msg("bye")
}
