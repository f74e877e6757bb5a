package websocket

import (
	"sync"

	"go.uber.org/zap"

	"realtime-gateway/internal/metrics"
)

// PresenceObserver is told when users come online, stay active and go offline.
type PresenceObserver interface {
	UserOnline(userID string)
	UserActive(userID string)
	UserOffline(userID string)
}

// Registry tracks every open session and indexes identified sessions by
// user. A user has an entry exactly while they have at least one
// identified session.
type Registry struct {
	// presence is held across a user index change and its observer calls,
	// so observers see online/offline in the order the index changed.
	presence sync.Mutex

	mutex       sync.RWMutex
	connections map[string]*Session
	users       map[string]map[*Session]struct{}

	observers []PresenceObserver
	logger    *zap.Logger
	metrics   *metrics.ServerMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, m *metrics.ServerMetrics, observers ...PresenceObserver) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Session),
		users:       make(map[string]map[*Session]struct{}),
		observers:   observers,
		logger:      logger,
		metrics:     m,
	}
}

// AddConnection tracks a newly upgraded session.
func (r *Registry) AddConnection(s *Session) {
	r.mutex.Lock()
	r.connections[s.ID] = s
	total := len(r.connections)
	r.mutex.Unlock()

	r.metrics.IncrementConnections()
	r.logger.Debug("connection added", zap.String("session_id", s.ID), zap.Int("total", total))
}

// RemoveConnection forgets a session and deregisters it from its user.
func (r *Registry) RemoveConnection(s *Session) {
	r.mutex.Lock()
	_, exists := r.connections[s.ID]
	delete(r.connections, s.ID)
	r.mutex.Unlock()

	if !exists {
		return
	}
	r.metrics.DecrementConnections()
	r.Unregister(s)
}

// ConnectionCount returns the number of open sessions.
func (r *Registry) ConnectionCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.connections)
}

// Register indexes an identified session under its user.
func (r *Registry) Register(s *Session) {
	userID := s.UserID()

	r.presence.Lock()
	defer r.presence.Unlock()

	r.mutex.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.users[userID] = set
	}
	set[s] = struct{}{}
	r.mutex.Unlock()

	r.metrics.SessionIdentified(!ok)
	if !ok {
		for _, o := range r.observers {
			o.UserOnline(userID)
		}
	}
}

// Unregister removes an identified session, dropping the user entry when
// it was their last.
func (r *Registry) Unregister(s *Session) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	r.presence.Lock()
	defer r.presence.Unlock()

	r.mutex.Lock()
	set, ok := r.users[userID]
	if !ok {
		r.mutex.Unlock()
		return
	}
	if _, member := set[s]; !member {
		r.mutex.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(r.users, userID)
	}
	r.mutex.Unlock()

	r.metrics.SessionClosed(last)
	if last {
		for _, o := range r.observers {
			o.UserOffline(userID)
		}
	}
}

// Touch reports activity on one of userID's sessions.
func (r *Registry) Touch(userID string) {
	for _, o := range r.observers {
		o.UserActive(userID)
	}
}

// Sessions returns a snapshot of userID's identified sessions.
func (r *Registry) Sessions(userID string) []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	set := r.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Online reports whether userID has an identified session.
func (r *Registry) Online(userID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, ok := r.users[userID]
	return ok
}

// UserCount returns the number of users online.
func (r *Registry) UserCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.users)
}

// CloseAll closes every open session with code.
func (r *Registry) CloseAll(code int, reason string) {
	r.mutex.RLock()
	sessions := make([]*Session, 0, len(r.connections))
	for _, s := range r.connections {
		sessions = append(sessions, s)
	}
	r.mutex.RUnlock()

	for _, s := range sessions {
		s.Close(code, reason)
	}
	r.logger.Info("closed all sessions", zap.Int("count", len(sessions)))
}
