package client

import (
	"sync"

	"github.com/astrovia/collab/pkg/api"
)

// cache mirrors the server-side roster locally. Counts are never derived
// from the participant list, the server-sent participant_count is taken
// as is; merges follow the same last-write-wins rules the server applies.
type cache struct {
	mu   sync.RWMutex
	snap api.RosterSnapshot
}

func (c *cache) reset(snap api.RosterSnapshot) {
	c.mu.Lock()
	if snap.SharedState == nil {
		snap.SharedState = make(map[string]api.StateEntry)
	}
	if snap.Cursors == nil {
		snap.Cursors = make(map[string]api.Cursor)
	}
	c.snap = snap
	c.mu.Unlock()
}

func (c *cache) clear() { c.reset(api.RosterSnapshot{}) }

// snapshot returns a deep enough copy for the caller to keep.
func (c *cache) snapshot() api.RosterSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.snap
	out.Participants = append([]api.Participant(nil), c.snap.Participants...)
	out.VoicePeers = append([]string(nil), c.snap.VoicePeers...)
	out.SharedState = make(map[string]api.StateEntry, len(c.snap.SharedState))
	for k, v := range c.snap.SharedState {
		out.SharedState[k] = v
	}
	out.Cursors = make(map[string]api.Cursor, len(c.snap.Cursors))
	for k, v := range c.snap.Cursors {
		out.Cursors[k] = v
	}
	return out
}

func (c *cache) sessionId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.SessionId
}

func (c *cache) userJoined(ev api.UserJoinedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.ParticipantCount = ev.ParticipantCount
	for i, p := range c.snap.Participants {
		if p.Id == ev.Participant.Id {
			c.snap.Participants[i] = ev.Participant
			return
		}
	}
	c.snap.Participants = append(c.snap.Participants, ev.Participant)
	if c.snap.Status == api.StatusWaiting && ev.Participant.Role == api.RoleHost {
		c.snap.Status = api.StatusActive
	}
}

func (c *cache) userLeft(ev api.UserLeftEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.ParticipantCount = ev.ParticipantCount
	for i, p := range c.snap.Participants {
		if p.Id == ev.ParticipantId {
			c.snap.Participants = append(c.snap.Participants[:i], c.snap.Participants[i+1:]...)
			break
		}
	}
	delete(c.snap.Cursors, ev.ParticipantId)
	c.dropVoicePeer(ev.ParticipantId)
}

func (c *cache) hostTransferred(ev api.HostTransferredEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.HostId = ev.HostId
	c.snap.ParticipantCount = ev.ParticipantCount
	for i, p := range c.snap.Participants {
		if p.Id == ev.HostId {
			c.snap.Participants[i].Role = api.RoleHost
		}
	}
}

func (c *cache) roleChanged(ev api.RoleChangedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.snap.Participants {
		if p.Id == ev.ParticipantId {
			c.snap.Participants[i].Role = ev.Role
		}
	}
}

func (c *cache) status(s api.SessionStatus) {
	c.mu.Lock()
	c.snap.Status = s
	c.mu.Unlock()
}

// cursor applies a remote cursor update, dropping stale ones entirely.
func (c *cache) cursor(ev api.CursorUpdatedEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.snap.Cursors[ev.ParticipantId]; ok && ev.Timestamp < held.Timestamp {
		return false
	}
	c.snap.Cursors[ev.ParticipantId] = ev.Cursor
	return true
}

// state merges a remote shared-state write, last write wins with the
// origin id breaking timestamp ties.
func (c *cache) state(ev api.StateEnvelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snap.SharedState[ev.Key]; ok {
		if ev.Timestamp < cur.Timestamp ||
			(ev.Timestamp == cur.Timestamp && ev.OriginId <= cur.OriginId) {
			return false
		}
	}
	c.snap.SharedState[ev.Key] = api.StateEntry{
		Value:     ev.Value,
		OriginId:  ev.OriginId,
		Timestamp: ev.Timestamp,
	}
	return true
}

func (c *cache) voice(id string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !joined {
		c.dropVoicePeer(id)
		return
	}
	for _, p := range c.snap.VoicePeers {
		if p == id {
			return
		}
	}
	c.snap.VoicePeers = append(c.snap.VoicePeers, id)
}

// dropVoicePeer expects the lock held.
func (c *cache) dropVoicePeer(id string) {
	for i, p := range c.snap.VoicePeers {
		if p == id {
			c.snap.VoicePeers = append(c.snap.VoicePeers[:i], c.snap.VoicePeers[i+1:]...)
			return
		}
	}
}
