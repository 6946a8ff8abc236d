package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/astrovia/collab/pkg/config"
	"github.com/gofrs/uuid"
)

// TurnCredentials is a time-boxed media-relay credential in the TURN REST
// format: the username carries the expiry, the credential is an HMAC over it.
type TurnCredentials struct {
	Username   string             `json:"username"`
	Credential string             `json:"credential"`
	TTL        int64              `json:"ttl"`
	Urls       []config.IceServer `json:"ice_servers"`
}

var errNoTurnSecret = errors.New("no turn secret configured")

func newTurnCredentials(conf config.Webrtc) (*TurnCredentials, error) {
	if conf.TurnSecret == "" {
		return nil, errNoTurnSecret
	}
	nonce, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	expiry := time.Now().Add(conf.CredentialTTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, nonce)

	mac := hmac.New(sha1.New, []byte(conf.TurnSecret))
	mac.Write([]byte(username))

	return &TurnCredentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		TTL:        int64(conf.CredentialTTL.Seconds()),
		Urls:       conf.IceServers,
	}, nil
}
