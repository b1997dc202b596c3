package gateway

import "fmt"

// StateKind enumerates the connection lifecycle states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateChallenged
	StateConnected
	StateReconnecting
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChallenged:
		return "challenged"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// State is the connection state. Attempt is set only while Reconnecting and
// counts consecutive failures since the last successful handshake.
type State struct {
	Kind    StateKind
	Attempt int
}

func (s State) String() string {
	if s.Kind == StateReconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Kind.String()
}

// Connected reports whether the handshake has completed.
func (s State) Connected() bool { return s.Kind == StateConnected }
