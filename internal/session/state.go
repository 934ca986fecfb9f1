package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotActive  = errors.New("session not active")
	ErrSessionMismatch   = errors.New("session identity mismatch")
	ErrInvalidIdentity   = errors.New("account id and character id are required")
	ErrInvalidTransition = errors.New("invalid session transition")
)

type State uint8

const (
	StateActive State = iota + 1
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, bool) {
	switch s {
	case "ACTIVE":
		return StateActive, true
	case "DISCONNECTED":
		return StateDisconnected, true
	case "CLOSED":
		return StateClosed, true
	default:
		return 0, false
	}
}

type Trigger uint8

const (
	TriggerHeartbeat Trigger = iota + 1
	TriggerTimeout
	TriggerReconnect
	TriggerClose
	TriggerExpire
)

func (t Trigger) String() string {
	switch t {
	case TriggerHeartbeat:
		return "heartbeat"
	case TriggerTimeout:
		return "timeout"
	case TriggerReconnect:
		return "reconnect"
	case TriggerClose:
		return "close"
	case TriggerExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Transition is the only place session states change.
//
//	ACTIVE       --heartbeat--> ACTIVE
//	ACTIVE       --timeout----> DISCONNECTED
//	ACTIVE       --reconnect--> ACTIVE
//	ACTIVE       --close------> CLOSED
//	DISCONNECTED --reconnect--> ACTIVE
//	DISCONNECTED --close------> CLOSED
//	DISCONNECTED --expire-----> CLOSED
//	CLOSED       --close------> CLOSED
func Transition(from State, t Trigger) (State, error) {
	switch from {
	case StateActive:
		switch t {
		case TriggerHeartbeat, TriggerReconnect:
			return StateActive, nil
		case TriggerTimeout:
			return StateDisconnected, nil
		case TriggerClose:
			return StateClosed, nil
		}
	case StateDisconnected:
		switch t {
		case TriggerReconnect:
			return StateActive, nil
		case TriggerClose, TriggerExpire:
			return StateClosed, nil
		}
	case StateClosed:
		if t == TriggerClose {
			return StateClosed, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, from)
}
