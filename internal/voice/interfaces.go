package voice

import (
	"context"

	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

// InputEvent is reported by a SpeechInput.
type InputEvent interface {
	isInputEvent()
}

// PartialTranscript is an in-progress, not yet finalized transcript.
type PartialTranscript struct{ Text string }

// Utterance is a finalized transcript.
type Utterance struct{ Text string }

// CaptureError reports a failure of the capture pipeline.
type CaptureError struct{ Err error }

func (PartialTranscript) isInputEvent() {}
func (Utterance) isInputEvent()         {}
func (CaptureError) isInputEvent()      {}

// SpeechInput is a speech-to-text source.
type SpeechInput interface {
	StartCapture() error
	StopCapture()
	// PendingTranscript returns the in-progress transcript, "" when none.
	PendingTranscript() string
	Events() <-chan InputEvent
}

// OutputState is the playback state of a SpeechOutput.
type OutputState int

const (
	OutputIdle OutputState = iota
	OutputSpeaking
)

func (s OutputState) String() string {
	if s == OutputSpeaking {
		return "speaking"
	}
	return "idle"
}

// SpeechOutput is a text-to-speech sink. OutputIdle must only be reported
// once everything buffered has been played.
type SpeechOutput interface {
	// Speak interrupts whatever is playing and says text.
	Speak(text string)
	// Buffer queues a complete sentence of a streamed response.
	Buffer(text string)
	// Flush marks the end of the streamed response.
	Flush()
	// Interrupt stops playback and discards unspoken text.
	Interrupt()
	Events() <-chan OutputState
}

// Gateway is the connection surface the coordinator drives.
type Gateway interface {
	Connect(url string) error
	State() gateway.State
	Send(event, sessionKey string, payload any) error
	Events() <-chan gateway.Event
}

// SessionLister lists the gateway's sessions.
type SessionLister interface {
	ListSessions(ctx context.Context, params protocol.SessionsListParams) ([]protocol.SessionRow, error)
}
