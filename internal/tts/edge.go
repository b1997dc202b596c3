package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// EdgeProvider implements TTS via the `edge-tts` CLI (Microsoft Edge voices,
// no API key). Install with: pip install edge-tts
type EdgeProvider struct {
	binary    string
	voice     string
	rate      string // e.g. "+10%"
	timeoutMs int
}

// EdgeConfig configures the Edge TTS provider.
type EdgeConfig struct {
	Binary    string // default "edge-tts"
	Voice     string // default "en-US-MichelleNeural"
	Rate      string
	TimeoutMs int
}

// NewEdgeProvider creates an Edge TTS provider.
func NewEdgeProvider(cfg EdgeConfig) *EdgeProvider {
	p := &EdgeProvider{
		binary:    firstNonEmpty(cfg.Binary, "edge-tts"),
		voice:     firstNonEmpty(cfg.Voice, "en-US-MichelleNeural"),
		rate:      cfg.Rate,
		timeoutMs: cfg.TimeoutMs,
	}
	if p.timeoutMs <= 0 {
		p.timeoutMs = 30000
	}
	return p
}

func (p *EdgeProvider) Name() string { return "edge" }

// Available reports whether the CLI is on PATH.
func (p *EdgeProvider) Available() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

// Synthesize runs edge-tts into a temp file. Output is always MP3.
func (p *EdgeProvider) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	out, err := os.CreateTemp("", "clawnode-tts-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("edge-tts temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{
		"--voice", firstNonEmpty(opts.Voice, p.voice),
		"--text", text,
		"--write-media", outPath,
	}
	if p.rate != "" {
		args = append(args, "--rate", p.rate)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(p.timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, p.binary, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("edge-tts failed: %w (output: %s)", err, string(output))
	}

	audio, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read edge-tts output: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("edge-tts produced no audio")
	}

	return &SynthResult{Audio: audio, Extension: "mp3", MimeType: "audio/mpeg"}, nil
}
