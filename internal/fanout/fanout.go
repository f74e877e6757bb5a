// Package fanout routes events to the connections of users and rooms.
package fanout

import (
	"go.uber.org/zap"

	"realtime-gateway/internal/websocket"
)

// Sessions finds the identified sessions of a user.
type Sessions interface {
	Sessions(userID string) []*websocket.Session
}

// Members lists the users in a room.
type Members interface {
	RoomMembers(roomID string) []string
}

// Fanout delivers events best-effort to whoever is connected. Offline
// recipients are skipped silently.
type Fanout struct {
	sessions Sessions
	members  Members
	logger   *zap.Logger
}

// New creates a fanout over the registry and membership cache.
func New(sessions Sessions, members Members, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sessions: sessions, members: members, logger: logger}
}

// SendToUser enqueues event on every session of userID.
func (f *Fanout) SendToUser(userID, event string, data any) {
	for _, s := range f.sessions.Sessions(userID) {
		if !s.Enqueue(event, data) {
			f.logger.Debug("dropped event for closed session",
				zap.String("user_id", userID), zap.String("event", event), zap.String("session_id", s.ID))
		}
	}
}

// SendToRoom sends event to each member of roomID independently.
func (f *Fanout) SendToRoom(roomID, event string, data any) {
	for _, userID := range f.members.RoomMembers(roomID) {
		f.SendToUser(userID, event, data)
	}
}
