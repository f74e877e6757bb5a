package websocket

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch     Opcode = 0
	OpHeartbeat    Opcode = 1
	OpHeartbeatAck Opcode = 2
	OpIdentify     Opcode = 3
	OpHello        Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	case OpIdentify:
		return "IDENTIFY"
	case OpHello:
		return "HELLO"
	default:
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
}

// Close codes sent when the server ends a session for a protocol fault.
const (
	CloseInvalidOpcode     = 4000
	CloseInvalidData       = 4001
	CloseInvalidToken      = 4002
	CloseAlreadyIdentified = 4003
)

// Frame is the envelope of every message on the socket. Unused fields are
// sent as null.
type Frame struct {
	Opcode    Opcode  `json:"opcode"`
	Data      any     `json:"data"`
	EventName *string `json:"event_name"`
	Increment *int64  `json:"increment"`
}

// HelloData is the payload of HELLO.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyData is the payload of IDENTIFY.
type IdentifyData struct {
	Token string `json:"token"`
}

// inboundFrame is a client frame before its payload is interpreted.
type inboundFrame struct {
	Opcode *Opcode         `json:"opcode"`
	Data   json.RawMessage `json:"data"`
}

// CloseError ends a session with Code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

func closeError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// parseFrame decodes a client frame. Anything that is not a JSON object
// with an integer opcode is invalid data.
func parseFrame(raw []byte) (Opcode, json.RawMessage, error) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return 0, nil, closeError(CloseInvalidData, "invalid message received")
	}
	if in.Opcode == nil {
		return 0, nil, closeError(CloseInvalidData, "missing opcode")
	}
	return *in.Opcode, in.Data, nil
}

// parseIdentify extracts the token from an IDENTIFY payload.
func parseIdentify(data json.RawMessage) (string, error) {
	var payload struct {
		Token *string `json:"token"`
	}
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil || payload.Token == nil {
		return "", closeError(CloseInvalidData, "identify requires a token")
	}
	return *payload.Token, nil
}
