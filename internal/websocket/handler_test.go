package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-gateway/internal/config"
	"realtime-gateway/internal/presence"
	"realtime-gateway/internal/token"
)

type wireFrame struct {
	Opcode    Opcode          `json:"opcode"`
	Data      json.RawMessage `json:"data"`
	EventName *string         `json:"event_name"`
	Increment *int64          `json:"increment"`
}

type testEnv struct {
	server   *httptest.Server
	registry *Registry
	tokens   *token.Service
	users    *presence.Cache
}

func defaultTestOptions() Options {
	return Options{
		HeartbeatInterval: time.Minute,
		WriteTimeout:      time.Second,
		ReadLimit:         64 * 1024,
	}
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	tokens, err := token.NewService(config.TokenConfig{Secret: "test", Epoch: 1609459200000, LinkLength: 8}, nil)
	require.NoError(t, err)

	users := presence.NewCache()
	users.AddUser(presence.UserProfile{ID: "100", Username: "alice", Name: "Alice"})

	logger := zap.NewNop()
	registry := NewRegistry(logger, nil)
	server := httptest.NewServer(NewHandler(registry, tokens, users, opts, logger, nil))
	t.Cleanup(func() {
		registry.CloseAll(websocket.CloseGoingAway, "test done")
		server.Close()
	})

	return &testEnv{server: server, registry: registry, tokens: tokens, users: users}
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

// dial connects and consumes HELLO.
func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readFrame(t, conn)
	require.Equal(t, OpHello, hello.Opcode)
	return conn
}

func (e *testEnv) identify(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	tok, err := e.tokens.Sign(userID)
	require.NoError(t, err)

	send(t, conn, map[string]any{"opcode": OpIdentify, "data": map[string]string{"token": tok}})
	require.Eventually(t, func() bool { return e.registry.Online(userID) }, time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var f wireFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
		return
	}
}

func TestHelloCarriesHeartbeatInterval(t *testing.T) {
	opts := defaultTestOptions()
	opts.HeartbeatInterval = 45 * time.Second
	env := newTestEnv(t, opts)

	conn, _, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	assert.JSONEq(t, `{"opcode":4,"data":{"heartbeat_interval":45000},"event_name":null,"increment":null}`, string(raw))
}

func TestIdentifyRegistersSession(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())
	conn := env.dial(t)

	env.identify(t, conn, "100")

	sessions := env.registry.Sessions("100")
	require.Len(t, sessions, 1)
	assert.Equal(t, StateIdentified, sessions[0].State())
	assert.Equal(t, "100", sessions[0].UserID())
}

func TestSecondIdentifyClosesAlreadyIdentified(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())
	conn := env.dial(t)
	env.identify(t, conn, "100")

	tok, err := env.tokens.Sign("100")
	require.NoError(t, err)
	send(t, conn, map[string]any{"opcode": OpIdentify, "data": map[string]string{"token": tok}})

	expectClose(t, conn, CloseAlreadyIdentified)
	require.Eventually(t, func() bool { return !env.registry.Online("100") }, time.Second, 5*time.Millisecond)
}

func TestIdentifyRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())

	t.Run("garbage", func(t *testing.T) {
		conn := env.dial(t)
		send(t, conn, map[string]any{"opcode": OpIdentify, "data": map[string]string{"token": "nope"}})
		expectClose(t, conn, CloseInvalidToken)
	})

	t.Run("unknown user", func(t *testing.T) {
		conn := env.dial(t)
		tok, err := env.tokens.Sign("999")
		require.NoError(t, err)
		send(t, conn, map[string]any{"opcode": OpIdentify, "data": map[string]string{"token": tok}})
		expectClose(t, conn, CloseInvalidToken)
	})

	assert.Equal(t, 0, env.registry.UserCount())
}

func TestMalformedFramesCloseInvalidData(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())

	cases := map[string]string{
		"not json":         `hello`,
		"missing opcode":   `{"data":{}}`,
		"no token":         `{"opcode":3,"data":{}}`,
		"token not text":   `{"opcode":3,"data":{"token":5}}`,
		"identify no data": `{"opcode":3}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			conn := env.dial(t)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
			expectClose(t, conn, CloseInvalidData)
		})
	}
}

func TestUnknownOpcodeClosesInvalidOpcode(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())

	for _, op := range []int{9, int(OpDispatch), int(OpHeartbeatAck), int(OpHello)} {
		conn := env.dial(t)
		send(t, conn, map[string]any{"opcode": op})
		expectClose(t, conn, CloseInvalidOpcode)
	}
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())
	conn := env.dial(t)

	send(t, conn, map[string]any{"opcode": OpHeartbeat})
	assert.Equal(t, OpHeartbeatAck, readFrame(t, conn).Opcode)

	env.identify(t, conn, "100")
	before := env.registry.Sessions("100")[0].LastHeartbeat()

	time.Sleep(5 * time.Millisecond)
	send(t, conn, map[string]any{"opcode": OpHeartbeat})
	assert.Equal(t, OpHeartbeatAck, readFrame(t, conn).Opcode)
	assert.True(t, env.registry.Sessions("100")[0].LastHeartbeat().After(before))
}

func TestIdleSessionIsClosed(t *testing.T) {
	opts := defaultTestOptions()
	opts.HeartbeatInterval = 80 * time.Millisecond
	env := newTestEnv(t, opts)

	conn := env.dial(t)
	env.identify(t, conn, "100")

	expectClose(t, conn, websocket.CloseGoingAway)
	require.Eventually(t, func() bool { return !env.registry.Online("100") }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatsKeepSessionAlive(t *testing.T) {
	opts := defaultTestOptions()
	opts.HeartbeatInterval = 100 * time.Millisecond
	env := newTestEnv(t, opts)

	conn := env.dial(t)
	env.identify(t, conn, "100")

	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		send(t, conn, map[string]any{"opcode": OpHeartbeat})
		require.Equal(t, OpHeartbeatAck, readFrame(t, conn).Opcode)
	}
	assert.True(t, env.registry.Online("100"))
}

func TestIdentifyTimeout(t *testing.T) {
	opts := defaultTestOptions()
	opts.IdentifyTimeout = 50 * time.Millisecond
	env := newTestEnv(t, opts)

	conn := env.dial(t)
	expectClose(t, conn, websocket.ClosePolicyViolation)
	require.Eventually(t, func() bool { return env.registry.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())

	first := env.dial(t)
	second := env.dial(t)
	env.identify(t, first, "100")
	env.identify(t, second, "100")
	require.Eventually(t, func() bool { return len(env.registry.Sessions("100")) == 2 }, time.Second, 5*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return len(env.registry.Sessions("100")) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, env.registry.Online("100"))

	second.Close()
	require.Eventually(t, func() bool { return !env.registry.Online("100") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.registry.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatchOrderAndIncrement(t *testing.T) {
	env := newTestEnv(t, defaultTestOptions())
	conn := env.dial(t)
	env.identify(t, conn, "100")

	s := env.registry.Sessions("100")[0]
	for i := 0; i < 5; i++ {
		require.True(t, s.Enqueue("MESSAGE", map[string]int{"n": i}))
	}

	for i := 0; i < 5; i++ {
		f := readFrame(t, conn)
		require.Equal(t, OpDispatch, f.Opcode)
		require.NotNil(t, f.EventName)
		require.NotNil(t, f.Increment)
		assert.Equal(t, "MESSAGE", *f.EventName)
		assert.Equal(t, int64(i), *f.Increment)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(f.Data))
	}
}

func TestMaxConnectionsRefusesUpgrade(t *testing.T) {
	opts := defaultTestOptions()
	opts.MaxConnections = 1
	env := newTestEnv(t, opts)

	env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
