package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-gateway/internal/config"
	"realtime-gateway/internal/metrics"
	"realtime-gateway/internal/presence"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string, maxAge time.Duration) (string, error)
}

// Directory resolves user profiles.
type Directory interface {
	User(id string) (presence.UserProfile, bool)
}

// Options tunes the session protocol.
type Options struct {
	HeartbeatInterval time.Duration
	// IdentifyTimeout closes sessions that never identify. Zero disables it.
	IdentifyTimeout time.Duration
	WriteTimeout    time.Duration
	ReadLimit       int64
	// MaxConnections refuses upgrades once reached. Zero means no limit.
	MaxConnections int
	TokenMaxAge    time.Duration
}

// OptionsFromConfig maps server configuration onto protocol options.
func OptionsFromConfig(cfg *config.ServerConfig) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdentifyTimeout:   cfg.IdentifyTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadLimit:         cfg.ReadLimit,
		MaxConnections:    cfg.MaxConnections,
		TokenMaxAge:       cfg.Token.MaxAge,
	}
}

// heartbeatGrace is how long an identified session may go without a heartbeat.
func (o Options) heartbeatGrace() time.Duration {
	return o.HeartbeatInterval * 5 / 4
}

// Handler upgrades HTTP requests and runs the gateway protocol on them.
type Handler struct {
	upgrader websocket.Upgrader
	registry *Registry
	verifier TokenVerifier
	users    Directory
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.ServerMetrics
}

// NewHandler creates a new gateway handler
func NewHandler(registry *Registry, verifier TokenVerifier, users Directory, opts Options, logger *zap.Logger, m *metrics.ServerMetrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		registry: registry,
		verifier: verifier,
		users:    users,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
}

// ServeHTTP handles WebSocket connection upgrades
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxConnections > 0 && h.registry.ConnectionCount() >= h.opts.MaxConnections {
		h.metrics.RejectConnection()
		h.logger.Warn("connection limit reached", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "server is full", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	if h.opts.ReadLimit > 0 {
		conn.SetReadLimit(h.opts.ReadLimit)
	}

	s := NewSession(conn, h.opts.WriteTimeout, h.logger, h.metrics)
	h.registry.AddConnection(s)
	s.logger.Debug("connection opened", zap.String("remote_addr", conn.RemoteAddr().String()))

	hello := Frame{
		Opcode: OpHello,
		Data:   HelloData{HeartbeatInterval: h.opts.HeartbeatInterval.Milliseconds()},
	}
	if err := s.writeFrame(hello); err != nil {
		s.Close(websocket.CloseInternalServerErr, "")
		h.cleanup(s)
		return
	}

	go h.handleRead(s)
}

// handleRead reads frames until the session closes.
func (h *Handler) handleRead(s *Session) {
	defer h.cleanup(s)

	if h.opts.IdentifyTimeout > 0 {
		timer := time.AfterFunc(h.opts.IdentifyTimeout, func() {
			if s.State() == StateConnected {
				s.logger.Info("identify timeout")
				s.Close(websocket.ClosePolicyViolation, "identify timeout")
			}
		})
		defer timer.Stop()
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && s.State() != StateClosed {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		if err := h.handleFrame(s, raw); err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				s.logger.Info("closing session", zap.Int("code", ce.Code), zap.String("reason", ce.Reason))
				h.metrics.ProtocolClose(ce.Code)
				s.Close(ce.Code, ce.Reason)
			} else {
				s.logger.Warn("frame handling failed", zap.Error(err))
				s.Close(websocket.CloseInternalServerErr, "")
			}
			return
		}
	}
}

// handleFrame dispatches one client frame on its opcode.
func (h *Handler) handleFrame(s *Session, raw []byte) error {
	op, data, err := parseFrame(raw)
	if err != nil {
		return err
	}

	switch op {
	case OpIdentify:
		return h.onIdentify(s, data)
	case OpHeartbeat:
		return h.onHeartbeat(s)
	case OpDispatch, OpHeartbeatAck, OpHello:
		return closeError(CloseInvalidOpcode, "opcode "+op.String()+" is server-only")
	default:
		return closeError(CloseInvalidOpcode, "invalid opcode received")
	}
}

func (h *Handler) onIdentify(s *Session, data json.RawMessage) error {
	if s.State() != StateConnected {
		return closeError(CloseAlreadyIdentified, "already identified")
	}

	token, err := parseIdentify(data)
	if err != nil {
		return err
	}

	userID, err := h.verifier.Verify(token, h.opts.TokenMaxAge)
	if err != nil {
		return closeError(CloseInvalidToken, "token is invalid")
	}
	if _, ok := h.users.User(userID); !ok {
		return closeError(CloseInvalidToken, "token is invalid")
	}

	if state, ok := s.identify(userID); !ok {
		if state == StateClosed {
			return nil
		}
		return closeError(CloseAlreadyIdentified, "already identified")
	}

	h.registry.Register(s)
	s.start(h.opts.heartbeatGrace())
	s.logger.Info("session identified", zap.String("user_id", userID))
	return nil
}

func (h *Handler) onHeartbeat(s *Session) error {
	s.recordHeartbeat()
	if userID := s.UserID(); userID != "" {
		h.registry.Touch(userID)
	}
	return s.writeFrame(Frame{Opcode: OpHeartbeatAck})
}

// cleanup closes the session, waits for its goroutines and deregisters it.
func (h *Handler) cleanup(s *Session) {
	s.Close(websocket.CloseNormalClosure, "")
	if err := s.wait(); err != nil && !errors.Is(err, errHeartbeatTimeout) {
		s.logger.Debug("session goroutine exited", zap.Error(err))
	}
	h.registry.RemoveConnection(s)
	s.logger.Debug("connection closed")
}
