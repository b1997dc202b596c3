// Package tts turns agent reply text into audio through pluggable
// speech synthesis providers (OpenAI, ElevenLabs, Edge CLI).
package tts

import (
	"context"
	"errors"
)

var (
	// ErrNoProvider is returned when the manager has nothing registered.
	ErrNoProvider = errors.New("tts: no provider configured")
	// ErrEmptyText is returned when nothing speakable remains after cleanup.
	ErrEmptyText = errors.New("tts: nothing to speak")
)

// Provider synthesizes text into audio bytes.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error)
}

// Options controls synthesis parameters.
type Options struct {
	Voice  string // provider-specific voice ID
	Model  string // provider-specific model ID
	Format string // "mp3" (default) or "opus"
}

// SynthResult is the output of a TTS synthesis.
type SynthResult struct {
	Audio     []byte
	Extension string // without dot: "mp3", "ogg"
	MimeType  string
}

func formatMeta(format string) (ext, mime string) {
	switch format {
	case "opus":
		return "ogg", "audio/ogg"
	case "wav":
		return "wav", "audio/wav"
	default:
		return "mp3", "audio/mpeg"
	}
}
