package protocol

import (
	"encoding/json"
	"time"
)

// POST /sync
type SyncRequest struct {
	CharacterID   string                     `json:"character_id"`
	ClientVersion uint64                     `json:"client_version"`
	ClientState   map[string]json.RawMessage `json:"client_state"`
	SessionID     string                     `json:"session_id,omitempty"`
}

type StateUpdateResult struct {
	Success    bool           `json:"success"`
	NewVersion uint64         `json:"new_version"`
	Conflicts  []ConflictInfo `json:"conflicts"`
}

type ConflictInfo struct {
	Field           string `json:"field"`
	ExpectedVersion uint64 `json:"expected_version"`
	ActualVersion   uint64 `json:"actual_version"`
}

// POST /sessions/heartbeat
type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
	Location  string `json:"location,omitempty"`
	PartyID   string `json:"party_id,omitempty"`
	Activity  string `json:"activity,omitempty"`
}

type HeartbeatResponse struct {
	SessionID     string    `json:"session_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ServerTime    time.Time `json:"server_time"`
}

// POST /sessions/reconnect
type ReconnectRequest struct {
	AccountID         string `json:"account_id"`
	CharacterID       string `json:"character_id"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
}

type ReconnectResponse struct {
	SessionID    string       `json:"session_id"`
	Reconnected  bool         `json:"reconnected"`
	SessionState SessionState `json:"session_state"`
}

type SessionState struct {
	Location string `json:"location"`
	PartyID  string `json:"party_id"`
	Activity string `json:"activity"`
}

// POST /sessions/close
type CloseSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type CloseSessionResponse struct {
	SessionID string    `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
	// Duration is in whole seconds.
	Duration int64 `json:"duration"`
}

// GET /sessions/active
type ActiveSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	AccountID     string    `json:"account_id"`
	CharacterID   string    `json:"character_id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Location      string    `json:"location,omitempty"`
	PartyID       string    `json:"party_id,omitempty"`
	Activity      string    `json:"activity,omitempty"`
}

// POST /events/subscribe
type SubscribeRequest struct {
	CharacterID string `json:"character_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	WebsocketURL   string `json:"websocket_url"`
}

// WELCOME (server -> client) is the first frame on an event stream.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubscriptionID  string `json:"subscription_id"`
	SessionID       string `json:"session_id,omitempty"`
	CharacterID     string `json:"character_id,omitempty"`
	AccountID       string `json:"account_id,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string                     `json:"type"`
	ProtocolVersion string                     `json:"protocol_version"`
	Seq             uint64                     `json:"seq"`
	Kind            string                     `json:"kind"`
	CharacterID     string                     `json:"character_id,omitempty"`
	AccountID       string                     `json:"account_id,omitempty"`
	SessionID       string                     `json:"session_id,omitempty"`
	NewVersion      uint64                     `json:"new_version,omitempty"`
	Fields          map[string]json.RawMessage `json:"fields,omitempty"`
	Reason          string                     `json:"reason,omitempty"`
	At              time.Time                  `json:"at"`
	// Degraded is set once the subscription has dropped events.
	Degraded bool `json:"degraded,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
