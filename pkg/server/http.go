package server

import (
	"context"
	"net/http"
	"time"

	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP surface: the websocket endpoint plus the
// request/response side channel (room code resolution, voice credentials).
func NewRouter(conf config.Collab, hub *Hub, log *logger.Logger) *gin.Engine {
	if conf.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", hub.HandleWS)

	grp := r.Group("/api")
	{
		grp.GET("/rooms/:code", func(c *gin.Context) {
			id, ok := hub.Registry().ResolveCode(c.Param("code"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown room code"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"session_id": id})
		})
		grp.POST("/voice/credentials", func(c *gin.Context) {
			cred, err := newTurnCredentials(conf.Webrtc)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, cred)
		})
	}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return r
}

// HTTP bundles the router into a runnable service.
type HTTP struct {
	server *http.Server
	log    *logger.Logger
}

func NewHTTP(conf config.Collab, hub *Hub, log *logger.Logger) *HTTP {
	return &HTTP{
		server: &http.Server{
			Addr:    conf.Server.Address,
			Handler: NewRouter(conf, hub, log),
		},
		log: log,
	}
}

func (h *HTTP) Run() {
	h.log.Info().Str("addr", h.server.Addr).Msg("collab server started")
	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		h.log.Error().Err(err).Msg("server failed")
	}
}

func (h *HTTP) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}
