package server

import (
	"sync"

	"github.com/astrovia/collab/pkg/api"
	"github.com/astrovia/collab/pkg/com"
)

// User is one connected client of the collaboration server.
type User struct {
	*com.Client

	identity api.Identity

	mu        sync.Mutex
	sessionId string // the session this wire is currently bound to
}

func NewUser(client *com.Client, identity api.Identity) *User {
	return &User{Client: client, identity: identity}
}

func (u *User) Identity() api.Identity { return u.identity }
func (u *User) ParticipantId() string  { return u.identity.Id }

func (u *User) Bind(sessionId string) {
	u.mu.Lock()
	u.sessionId = sessionId
	u.mu.Unlock()
}

func (u *User) Unbind() { u.Bind("") }

func (u *User) SessionId() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionId
}
