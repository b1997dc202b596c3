// Package speech provides the CLI speech input and output used by the
// talk loop: typed lines as transcripts and agent replies through TTS.
package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawnode/internal/tts"
	"github.com/nextlevelbuilder/clawnode/internal/voice"
)

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.SynthResult, error)
}

// Player plays synthesized audio, returning when playback ends or ctx is done.
type Player interface {
	Play(ctx context.Context, audio *tts.SynthResult) error
}

// SinkConfig wires a Sink. With no Synthesizer the sink only echoes text.
type SinkConfig struct {
	Synth  Synthesizer
	Player Player
	Echo   io.Writer // optional, receives every spoken sentence
	Voice  tts.Options
}

// Sink is a voice.SpeechOutput that speaks queued text on a single worker.
type Sink struct {
	cfg SinkConfig

	mu        sync.Mutex
	queue     []string
	streaming bool // Buffer seen, Flush not yet
	speaking  bool
	gen       uint64
	cancelCur context.CancelFunc

	wake   chan struct{}
	events chan voice.OutputState
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSink starts the playback worker. Call Close to stop it.
func NewSink(cfg SinkConfig) *Sink {
	s := &Sink{
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		events: make(chan voice.OutputState, 8),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Sink) Events() <-chan voice.OutputState { return s.events }

// Speak interrupts whatever is playing and says text.
func (s *Sink) Speak(text string) {
	s.mu.Lock()
	s.interruptLocked()
	s.queue = append(s.queue, text)
	s.mu.Unlock()
	s.signal()
}

// Buffer queues one sentence of a streamed reply.
func (s *Sink) Buffer(text string) {
	s.mu.Lock()
	s.streaming = true
	s.queue = append(s.queue, text)
	s.mu.Unlock()
	s.signal()
}

// Flush marks the end of a streamed reply.
func (s *Sink) Flush() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	s.signal()
}

// Interrupt stops playback and drops unspoken text.
func (s *Sink) Interrupt() {
	s.mu.Lock()
	s.interruptLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Sink) interruptLocked() {
	s.gen++
	s.queue = nil
	s.streaming = false
	if s.cancelCur != nil {
		s.cancelCur()
		s.cancelCur = nil
	}
}

// Close stops the worker and cancels any playback.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.interruptLocked()
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) emit(st voice.OutputState) {
	select {
	case s.events <- st:
	case <-s.done:
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			text := s.queue[0]
			s.queue = s.queue[1:]
			gen := s.gen
			ctx, cancel := context.WithCancel(context.Background())
			s.cancelCur = cancel
			startSpeaking := !s.speaking
			s.speaking = true
			s.mu.Unlock()

			if startSpeaking {
				s.emit(voice.OutputSpeaking)
			}
			s.say(ctx, gen, text)
			cancel()
			continue
		}

		if s.speaking && !s.streaming {
			s.speaking = false
			s.mu.Unlock()
			s.emit(voice.OutputIdle)
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *Sink) say(ctx context.Context, gen uint64, text string) {
	if s.cfg.Echo != nil {
		fmt.Fprintf(s.cfg.Echo, "%s\n", text)
	}
	if s.cfg.Synth == nil || s.cfg.Player == nil {
		return
	}

	audio, err := s.cfg.Synth.Synthesize(ctx, text, s.cfg.Voice)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("speech synthesis failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	if err := s.cfg.Player.Play(ctx, audio); err != nil && ctx.Err() == nil {
		slog.Warn("speech playback failed", "error", err)
	}
}
