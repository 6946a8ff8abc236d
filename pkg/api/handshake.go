package api

import (
	"encoding/base64"

	"github.com/goccy/go-json"
)

// EncodeIdentity packs an identity blob for the connection handshake query.
func EncodeIdentity(identity Identity) string {
	b, _ := json.Marshal(identity)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeIdentity unpacks the handshake identity blob.
func DecodeIdentity(raw string) (Identity, error) {
	var identity Identity
	b, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return identity, err
	}
	err = json.Unmarshal(b, &identity)
	return identity, err
}
