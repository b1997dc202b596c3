package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send and Request unless the handshake has completed.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrInvalidMessage reports an inbound frame that could not be decoded.
	ErrInvalidMessage = errors.New("gateway: invalid message")
	// ErrSendBufferFull is returned when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("gateway: send buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gateway: connection closed")
	// ErrTokenNotPersisted reports a pairing token that was issued but could
	// not be stored. The current connection works; the next one will not be
	// authenticated.
	ErrTokenNotPersisted = errors.New("gateway: pairing token not persisted")
)

// Challenge failure reasons.
const (
	ReasonPairingRequired = "pairing_required"
	ReasonSigningFailed   = "signing_failed"
)

// ChallengeFailedError reports a rejected or unanswerable connect handshake.
type ChallengeFailedError struct {
	Reason    string // pairing_required, signing_failed or the gateway error code
	RequestID string // pairing request id, when the gateway supplied one
	Message   string
}

func (e *ChallengeFailedError) Error() string {
	reason := e.Reason
	if e.RequestID != "" {
		reason += ":" + e.RequestID
	}
	if e.Message != "" {
		return fmt.Sprintf("gateway: challenge failed (%s): %s", reason, e.Message)
	}
	return fmt.Sprintf("gateway: challenge failed (%s)", reason)
}

// PairingRequired reports whether the device awaits operator approval.
func (e *ChallengeFailedError) PairingRequired() bool {
	return e.Reason == ReasonPairingRequired
}

// AsPairingRequired unwraps err into a pairing-required challenge failure.
func AsPairingRequired(err error) (*ChallengeFailedError, bool) {
	var cf *ChallengeFailedError
	if errors.As(err, &cf) && cf.PairingRequired() {
		return cf, true
	}
	return nil, false
}
