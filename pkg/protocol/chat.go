package protocol

import (
	"encoding/json"
	"strings"
)

// Chat event states (payload.state).
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// Chat event subtypes (payload.type) used by GoClaw gateways instead of state.
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey"`
	Seq          int64        `json:"seq,omitempty"`
	State        string       `json:"state,omitempty"`
	Type         string       `json:"type,omitempty"`
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// ChatMessage is an assistant or user message carried by a chat event.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Phase normalizes State, falling back to the GoClaw chunk/message subtypes.
func (e *ChatEvent) Phase() string {
	if e.State != "" {
		return e.State
	}
	switch e.Type {
	case ChatEventChunk:
		return ChatStateDelta
	case ChatEventMessage:
		return ChatStateFinal
	}
	return ""
}

// Text flattens the event's message content.
func (e *ChatEvent) Text() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Text()
}

// Text flattens the content into one string. Content may be a plain
// string or a list of typed parts; only text parts contribute.
func (m *ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ChatHistoryParams is the params object of chat.history.
type ChatHistoryParams struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey"`
}

// ChatHistoryResult is the chat.history response payload.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// AgentEvent is the payload of a legacy "agent" progress event.
type AgentEvent struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey,omitempty"`
	Stream     string `json:"stream,omitempty"`
	Data       struct {
		Text  string `json:"text,omitempty"`
		Phase string `json:"phase,omitempty"`
		Name  string `json:"name,omitempty"`
	} `json:"data"`
}

// Status renders the event as a short progress line, or "" when it carries nothing displayable.
func (e *AgentEvent) Status() string {
	switch {
	case e.Data.Name != "":
		return "running " + e.Data.Name
	case e.Data.Phase != "":
		return e.Data.Phase
	case e.Stream == "assistant" && e.Data.Text != "":
		return "responding"
	}
	return ""
}
