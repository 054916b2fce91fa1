// Package gateway implements the realtime gateway client: one Connection per
// account session drives the socket through hello, identify or resume,
// heartbeating and reconnects, and routes dispatch events into the
// instance's entity cache and outbound queue.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Opcode is a gateway frame opcode.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// Close codes with protocol meaning.
const (
	// CloseNormal ends a session for good; the server forgets it.
	CloseNormal = 1000
	// CloseAbnormal is reported when the socket dropped without a close frame.
	CloseAbnormal = 1006
	// CloseReconnecting closes a socket while keeping the session resumable.
	CloseReconnecting = 4000
	// CloseAuthenticationFailed means the token was rejected. Terminal.
	CloseAuthenticationFailed = 4004
	// CloseHeartbeatTimeout is sent by the client when an ack went missing.
	CloseHeartbeatTimeout = 4009
)

// Frame is the envelope of every gateway message.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describe the client to the server.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type presence struct {
	Status     string            `json:"status"`
	Since      int64             `json:"since"`
	Activities []json.RawMessage `json:"activities"`
	AFK        bool              `json:"afk"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress"`
	Presence   presence           `json:"presence"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// CloseError reports why a socket stopped delivering frames.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed (%d)", e.Code)
	}
	return fmt.Sprintf("gateway closed (%d): %s", e.Code, e.Reason)
}

// gatewayURL adds the protocol version and encoding to a gateway address.
func gatewayURL(base string, version int, encoding string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("gateway url %q: unsupported scheme", base)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", encoding)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
