package protocol

// Event names pushed from the gateway to a node.
const (
	EventAgent             = "agent"
	EventChat              = "chat"
	EventHealth            = "health"
	EventPresence          = "presence"
	EventTick              = "tick"
	EventShutdown          = "shutdown"
	EventNodePairRequested = "node.pair.requested"
	EventNodePairResolved  = "node.pair.resolved"
	EventConnectChallenge  = "connect.challenge"
	EventTalkMode          = "talk.mode"
)

// Event names a node emits through MethodNodeEvent.
const (
	NodeEventVoiceTranscript = "voice.transcript"
	NodeEventChatSubscribe   = "chat.subscribe"
	NodeEventChatUnsubscribe = "chat.unsubscribe"
)

// ChallengePayload is the payload of connect.challenge.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}
