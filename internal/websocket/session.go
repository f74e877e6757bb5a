package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realtime-gateway/internal/metrics"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

type queuedEvent struct {
	name string
	data any
}

// Session is one client connection. The reader goroutine owns inbound
// frames; once identified a watchdog and a dispatch sender run alongside it.
type Session struct {
	ID   string
	conn *websocket.Conn

	writeMutex   sync.Mutex
	writeTimeout time.Duration

	mutex         sync.Mutex
	state         State
	userID        string
	lastHeartbeat time.Time

	queueMutex sync.Mutex
	queue      []queuedEvent
	notify     chan struct{}
	beat       chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once

	logger  *zap.Logger
	metrics *metrics.ServerMetrics
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, m *metrics.ServerMetrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		ID:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		notify:       make(chan struct{}, 1),
		beat:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(zap.String("session_id", id)),
		metrics:      m,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// UserID returns the identified user, or "" before IDENTIFY.
func (s *Session) UserID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.userID
}

// LastHeartbeat returns when the last heartbeat (or IDENTIFY) arrived.
func (s *Session) LastHeartbeat() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastHeartbeat
}

// Done is closed once the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// identify moves a connected session to identified. It fails if the
// session has already left the connected state.
func (s *Session) identify(userID string) (State, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateConnected {
		return s.state, false
	}
	s.state = StateIdentified
	s.userID = userID
	s.lastHeartbeat = time.Now()
	return s.state, true
}

// recordHeartbeat notes a heartbeat and wakes the watchdog.
func (s *Session) recordHeartbeat() {
	s.mutex.Lock()
	s.lastHeartbeat = time.Now()
	s.mutex.Unlock()

	select {
	case s.beat <- struct{}{}:
	default:
	}
}

// Enqueue appends an event to the outbound queue. It reports false if the
// session is closed.
func (s *Session) Enqueue(event string, data any) bool {
	if s.State() == StateClosed {
		return false
	}

	s.queueMutex.Lock()
	s.queue = append(s.queue, queuedEvent{name: event, data: data})
	s.queueMutex.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) dequeue() (queuedEvent, bool) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	if len(s.queue) == 0 {
		return queuedEvent{}, false
	}
	ev := s.queue[0]
	s.queue[0] = queuedEvent{}
	s.queue = s.queue[1:]
	return ev, true
}

// writeFrame serializes one frame onto the socket.
func (s *Session) writeFrame(frame Frame) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(frame)
}

// start launches the watchdog and the dispatch sender.
func (s *Session) start(grace time.Duration) {
	group, ctx := errgroup.WithContext(s.ctx)
	s.group = group

	group.Go(func() error { return s.runWatchdog(ctx, grace) })
	group.Go(func() error { return s.runSender(ctx) })
}

// wait blocks until the background goroutines have exited.
func (s *Session) wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Session) runWatchdog(ctx context.Context, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(grace)
		case <-timer.C:
			s.logger.Info("heartbeat timeout", zap.String("user_id", s.UserID()), zap.Duration("grace", grace))
			s.metrics.HeartbeatTimeout()
			s.Close(websocket.CloseGoingAway, "heartbeat timeout")
			return errHeartbeatTimeout
		}
	}
}

func (s *Session) runSender(ctx context.Context) error {
	var increment int64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}

		for ctx.Err() == nil {
			ev, ok := s.dequeue()
			if !ok {
				break
			}

			name, inc := ev.name, increment
			err := s.writeFrame(Frame{Opcode: OpDispatch, Data: ev.data, EventName: &name, Increment: &inc})
			if err != nil {
				s.logger.Debug("dispatch write failed", zap.Error(err))
				s.Close(websocket.CloseInternalServerErr, "")
				return err
			}
			increment++
			s.metrics.EventDispatched(name)
		}
	}
}

// Close ends the session once: it sends a close frame with code, closes
// the socket and stops the background goroutines. Queued events are dropped.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.state = StateClosed
		s.mutex.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
		s.cancel()

		s.queueMutex.Lock()
		s.queue = nil
		s.queueMutex.Unlock()
	})
}
