package protocol

import "encoding/json"

const Version = "1.0"

// Websocket frame types.
const (
	TypeWelcome = "WELCOME"
	TypeEvent   = "EVENT"
	TypePing    = "PING"
	TypePong    = "PONG"
)

// Event kinds carried in EVENT frames.
const (
	EventStateChanged        = "STATE_CHANGED"
	EventSessionOpened       = "SESSION_OPENED"
	EventSessionResumed      = "SESSION_RESUMED"
	EventSessionDisconnected = "SESSION_DISCONNECTED"
	EventSessionClosed       = "SESSION_CLOSED"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
