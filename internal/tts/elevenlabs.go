package tts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ElevenLabsProvider implements TTS via the ElevenLabs API.
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
}

// ElevenLabsConfig configures the ElevenLabs TTS provider.
type ElevenLabsConfig struct {
	APIKey    string
	BaseURL   string // default "https://api.elevenlabs.io"
	VoiceID   string
	ModelID   string // default "eleven_multilingual_v2"
	TimeoutMs int
}

// NewElevenLabsProvider creates an ElevenLabs TTS provider.
func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	p := &ElevenLabsProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		voiceID: cfg.VoiceID,
		modelID: cfg.ModelID,
		client:  newHTTPClient(cfg.TimeoutMs),
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.elevenlabs.io"
	}
	if p.voiceID == "" {
		p.voiceID = "pMsXgVXv3BLzUgSXRplE"
	}
	if p.modelID == "" {
		p.modelID = "eleven_multilingual_v2"
	}
	return p
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

// Synthesize calls POST {baseURL}/v1/text-to-speech/{voiceId}.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	outputFormat, format := "mp3_44100_128", "mp3"
	if opts.Format == "opus" {
		outputFormat, format = "opus_48000_64", "opus"
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.baseURL, url.PathEscape(firstNonEmpty(opts.Voice, p.voiceID)), outputFormat)
	req := elevenLabsRequest{
		Text:    text,
		ModelID: firstNonEmpty(opts.Model, p.modelID),
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			UseSpeakerBoost: true,
		},
	}

	audio, err := postAudio(ctx, p.client, p.Name(), endpoint,
		map[string]string{"xi-api-key": p.apiKey}, req)
	if err != nil {
		return nil, err
	}

	ext, mime := formatMeta(format)
	return &SynthResult{Audio: audio, Extension: ext, MimeType: mime}, nil
}
