package server

import (
	"errors"
	"net/http"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/com"
	"github.com/astrovia/collab/pkg/config"
	"github.com/astrovia/collab/pkg/logger"
	"github.com/astrovia/collab/pkg/session"
	"github.com/gin-gonic/gin"
)

// AuthFunc validates the handshake identity blob. The token itself is
// opaque to the core and only checked for presence by default.
type AuthFunc func(identity api.Identity) error

var errNoIdentity = errors.New("missing identity")

// Hub accepts websocket connections and routes their packets into the
// session registry.
type Hub struct {
	conf     config.Collab
	registry *session.Registry
	users    com.NetMap[com.Uid, *User]
	auth     AuthFunc
	upgrader *com.Upgrader
	log      *logger.Logger
}

func NewHub(conf config.Collab, registry *session.Registry, auth AuthFunc, log *logger.Logger) *Hub {
	if auth == nil {
		auth = func(identity api.Identity) error {
			if identity.Id == "" {
				return errNoIdentity
			}
			return nil
		}
	}
	return &Hub{
		conf:     conf,
		registry: registry,
		users:    com.NewNetMap[com.Uid, *User](),
		auth:     auth,
		upgrader: com.NewUpgrader(conf.Server.Origin),
		log:      log,
	}
}

func (h *Hub) Registry() *session.Registry { return h.registry }

// decodeIdentity unpacks the base64 JSON identity blob from the
// handshake query.
func decodeIdentity(raw string) (api.Identity, error) {
	if raw == "" {
		return api.Identity{}, errNoIdentity
	}
	return api.DecodeIdentity(raw)
}

// HandleWS upgrades one client connection and serves it until the wire
// drops.
func (h *Hub) HandleWS(c *gin.Context) {
	identity, err := decodeIdentity(c.Query("data"))
	if err == nil {
		err = h.auth(identity)
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("handshake rejected")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("upgrade failed")
		return
	}
	sock, err := com.NewServerWithConn(conn, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("no socket")
		return
	}

	usr := NewUser(com.NewClient(sock, "u", com.NilUid, h.log), identity)
	h.routes(usr)
	h.users.Add(usr)
	usr.Log().Info().Str("pid", identity.Id).Msg("connected")

	done := usr.Listen()
	go func() {
		<-done
		h.users.Remove(usr)
		if sid := usr.SessionId(); sid != "" {
			h.registry.Disconnected(sid, usr.ParticipantId(), usr)
		}
		usr.Log().Info().Str("pid", identity.Id).Msg("disconnected")
	}()
}

// Shutdown disconnects everyone and ends all sessions.
func (h *Hub) Shutdown() {
	h.registry.Shutdown()
	h.users.ForEach(func(u *User) { u.Disconnect() })
}
