package protocol

// Gateway methods used by a node.
const (
	MethodConnect      = "connect"
	MethodNodeEvent    = "node.event"
	MethodSessionsList = "sessions.list"
	MethodChatHistory  = "chat.history"
	MethodHealth       = "health"
)

// NodeEventParams is the params object of node.event. The event payload travels
// as a JSON-encoded string.
type NodeEventParams struct {
	Event       string `json:"event"`
	SessionKey  string `json:"sessionKey,omitempty"`
	PayloadJSON string `json:"payloadJSON,omitempty"`
}

// VoiceTranscript is the payload of the voice.transcript node event.
type VoiceTranscript struct {
	Text       string `json:"text"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// ChatSubscription is the payload of chat.subscribe / chat.unsubscribe.
type ChatSubscription struct {
	SessionKey string `json:"sessionKey"`
}
