// Package protocol defines the wire format for the OpenClaw gateway WebSocket protocol
// as spoken by a node client.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Protocol version. Nodes offer exactly this version as min and max during connect.
const ProtocolVersion = 3

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is sent by the node to invoke a gateway method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // unique request ID (client-generated)
	Method string          `json:"method"` // RPC method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is sent by the gateway in response to a request.
// Payload is kept raw so callers decode into the method-specific shape.
type ResponseFrame struct {
	Type    string          `json:"type"` // always "res"
	ID      string          `json:"id"`   // matches request ID
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// Error implements error so a rejected response can be returned directly.
func (e *ErrorShape) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EventFrame is pushed from the gateway without a preceding request.
type EventFrame struct {
	Type         string          `json:"type"` // always "event"
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	StateVersion *StateVersion   `json:"stateVersion,omitempty"`
}

// StateVersion tracks version counters for optimistic state sync.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// NewRequest builds a request frame with a fresh id.
func NewRequest(method string, params any) (*RequestFrame, error) {
	f := &RequestFrame{
		Type:   FrameTypeRequest,
		ID:     uuid.NewString(),
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		f.Params = raw
	}
	return f, nil
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}

// SessionKeyOf returns payload.sessionKey when the payload is an object carrying one.
func SessionKeyOf(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var scoped struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(payload, &scoped); err != nil {
		return ""
	}
	return scoped.SessionKey
}
