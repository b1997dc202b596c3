package speech

import (
	"errors"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawnode/internal/voice"
)

// ErrNotCapturing is returned by Inject while capture is stopped.
var ErrNotCapturing = errors.New("speech: capture is not running")

// LineInput is a voice.SpeechInput fed with typed text. A line ending in
// a backslash is held as a partial transcript and joined with the next one.
type LineInput struct {
	mu        sync.Mutex
	capturing bool
	partial   []string
	events    chan voice.InputEvent
}

func NewLineInput() *LineInput {
	return &LineInput{events: make(chan voice.InputEvent, 32)}
}

func (l *LineInput) Events() <-chan voice.InputEvent { return l.events }

func (l *LineInput) StartCapture() error {
	l.mu.Lock()
	l.capturing = true
	l.mu.Unlock()
	return nil
}

// StopCapture stops capture and discards any partial text.
func (l *LineInput) StopCapture() {
	l.mu.Lock()
	l.capturing = false
	l.partial = nil
	l.mu.Unlock()
}

// Capturing reports whether lines are currently accepted.
func (l *LineInput) Capturing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capturing
}

func (l *LineInput) PendingTranscript() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.partial, " ")
}

// Inject delivers one typed line.
func (l *LineInput) Inject(line string) error {
	line = strings.TrimRight(line, "\r\n")

	l.mu.Lock()
	if !l.capturing {
		l.mu.Unlock()
		return ErrNotCapturing
	}
	var ev voice.InputEvent
	if body, ok := strings.CutSuffix(line, `\`); ok {
		l.partial = append(l.partial, strings.TrimSpace(body))
		ev = voice.PartialTranscript{Text: strings.Join(l.partial, " ")}
	} else {
		text := strings.TrimSpace(strings.Join(append(l.partial, line), " "))
		l.partial = nil
		if text == "" {
			l.mu.Unlock()
			return nil
		}
		ev = voice.Utterance{Text: text}
	}
	l.mu.Unlock()

	l.events <- ev
	return nil
}

// Fail reports a capture failure.
func (l *LineInput) Fail(err error) {
	l.events <- voice.CaptureError{Err: err}
}
