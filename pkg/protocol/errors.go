package protocol

import (
	"encoding/json"
	"strings"
)

// Error codes shared with the OpenClaw gateway.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnavailable    = "UNAVAILABLE"
	ErrNotLinked      = "NOT_LINKED"
	ErrNotPaired      = "NOT_PAIRED"
	ErrAgentTimeout   = "AGENT_TIMEOUT"

	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrAlreadyExists      = "ALREADY_EXISTS"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrInternal           = "INTERNAL"
)

// IsPairingRequired reports whether a connect rejection means the device
// still awaits operator approval.
func IsPairingRequired(e *ErrorShape) bool {
	if e == nil {
		return false
	}
	if e.Code == ErrNotPaired {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "pairing required")
}

// PairingRequestID extracts details.requestId from a pairing rejection.
func PairingRequestID(e *ErrorShape) string {
	if e == nil || len(e.Details) == 0 {
		return ""
	}
	var d struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(e.Details, &d); err != nil {
		return ""
	}
	return d.RequestID
}
