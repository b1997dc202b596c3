package tts

import (
	"context"
	"net/http"
	"strings"
)

// OpenAIProvider implements TTS via the OpenAI audio/speech API.
type OpenAIProvider struct {
	apiKey  string
	apiBase string
	model   string
	voice   string
	client  *http.Client
}

// OpenAIConfig configures the OpenAI TTS provider.
type OpenAIConfig struct {
	APIKey    string
	APIBase   string // default "https://api.openai.com/v1"
	Model     string // default "gpt-4o-mini-tts"
	Voice     string // default "alloy"
	TimeoutMs int
}

// NewOpenAIProvider creates an OpenAI TTS provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		voice:   cfg.Voice,
		client:  newHTTPClient(cfg.TimeoutMs),
	}
	if p.apiBase == "" {
		p.apiBase = "https://api.openai.com/v1"
	}
	if p.model == "" {
		p.model = "gpt-4o-mini-tts"
	}
	if p.voice == "" {
		p.voice = "alloy"
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAISpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize calls POST {apiBase}/audio/speech.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	req := openAISpeechRequest{
		Model:          firstNonEmpty(opts.Model, p.model),
		Input:          text,
		Voice:          firstNonEmpty(opts.Voice, p.voice),
		ResponseFormat: firstNonEmpty(opts.Format, "mp3"),
	}

	audio, err := postAudio(ctx, p.client, p.Name(), p.apiBase+"/audio/speech",
		map[string]string{"Authorization": "Bearer " + p.apiKey}, req)
	if err != nil {
		return nil, err
	}

	ext, mime := formatMeta(req.ResponseFormat)
	return &SynthResult{Audio: audio, Extension: ext, MimeType: mime}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
