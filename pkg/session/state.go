package session

import (
	"github.com/astrovia/collab/pkg/api"
)

// applyCursor keeps the last-written cursor per participant and rebroadcasts
// it. A stale update (older timestamp than the held one) is dropped whole.
// Runs on the session loop.
func (s *Session) applyCursor(pid string, c api.CursorMoveNotify) {
	p, ok := s.participants[pid]
	if !ok || p.state != presActive {
		return
	}
	if c.Timestamp == 0 {
		c.Timestamp = s.clock().UnixMilli()
	}
	if p.cursor != nil && c.Timestamp < p.cursor.Timestamp {
		return
	}
	cur := api.Cursor{X: c.X, Y: c.Y, Timestamp: c.Timestamp, ElementRef: c.ElementRef}
	p.cursor = &cur
	s.broadcast(api.CursorUpdated, api.CursorUpdatedEvent{
		SessionId:     s.id,
		ParticipantId: pid,
		Cursor:        cur,
	}, pid)
}

// applyState merges one namespaced domain event. The current pointer is
// last-writer-wins by timestamp with the origin id as the tie-break; a stale
// write still lands in the per-key history for session replay.
// Runs on the session loop.
func (s *Session) applyState(pid string, env api.StateEnvelope) {
	p, ok := s.participants[pid]
	if !ok || p.state != presActive {
		return
	}
	if env.Timestamp == 0 {
		env.Timestamp = s.clock().UnixMilli()
	}
	entry := stateEntry{value: env.Value, originId: pid, timestamp: env.Timestamp}

	hist := append(s.history[env.Key], entry)
	if over := len(hist) - s.conf.StateHistoryCap; over > 0 {
		hist = hist[over:]
	}
	s.history[env.Key] = hist

	if cur, ok := s.shared[env.Key]; ok {
		if entry.timestamp < cur.timestamp ||
			(entry.timestamp == cur.timestamp && entry.originId <= cur.originId) {
			return // stale for the current pointer, history only
		}
	}
	s.shared[env.Key] = entry
	s.broadcast(api.StateSynchronized, api.StateEnvelope{
		SessionId: s.id,
		Key:       env.Key,
		Value:     env.Value,
		OriginId:  pid,
		Timestamp: entry.timestamp,
	}, pid)
}

// keyHistory returns a copy of the merge history for one shared state key.
func (s *Session) keyHistory(key string) []api.StateEntry {
	hist := s.history[key]
	out := make([]api.StateEntry, 0, len(hist))
	for _, e := range hist {
		out = append(out, api.StateEntry{Value: e.value, OriginId: e.originId, Timestamp: e.timestamp})
	}
	return out
}

// relay passes one signaling message to its target. Messages for ids with
// no current membership are dropped, never queued. Runs on the session loop.
func (s *Session) relay(t api.PT, msg api.SignalingMessage) {
	from, ok := s.participants[msg.From]
	if !ok || from.state != presActive {
		return
	}
	to, ok := s.participants[msg.To]
	if !ok || to.state != presActive || to.peer == nil {
		s.log.Debug().Str("to", msg.To).Msgf("%v dropped, target gone", t)
		return
	}
	msg.SessionId = s.id
	to.peer.Notify(t, msg)
}
