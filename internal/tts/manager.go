package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Manager holds the registered providers and tries them in order.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	primary   string
	maxRunes  int
	timeout   time.Duration
}

// ManagerConfig configures the TTS manager.
type ManagerConfig struct {
	Primary   string // tried first; defaults to the first registered provider
	MaxRunes  int    // default 1500
	TimeoutMs int    // per-provider attempt, default 30000
}

// NewManager creates a TTS manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		primary:  cfg.Primary,
		maxRunes: cfg.MaxRunes,
		timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
	if m.maxRunes <= 0 {
		m.maxRunes = 1500
	}
	if m.timeout <= 0 {
		m.timeout = 30 * time.Second
	}
	return m
}

// RegisterProvider adds a provider. Registration order is the fallback order.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// PrimaryProvider returns the primary provider name.
func (m *Manager) PrimaryProvider() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary
}

// HasProviders returns true if at least one provider is registered.
func (m *Manager) HasProviders() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers) > 0
}

func (m *Manager) ordered() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Name() == m.primary {
			out = append(out, p)
		}
	}
	for _, p := range m.providers {
		if p.Name() != m.primary {
			out = append(out, p)
		}
	}
	return out
}

// Synthesize cleans text for speech and runs it through the primary
// provider, falling back to the others in registration order.
func (m *Manager) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	providers := m.ordered()
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}

	clean := m.Prepare(text)
	if clean == "" {
		return nil, ErrEmptyText
	}

	var errs []error
	for i, p := range providers {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		result, err := p.Synthesize(attemptCtx, clean, opts)
		cancel()
		if err == nil {
			if i > 0 {
				slog.Info("tts fallback succeeded", "provider", p.Name())
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("tts provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return nil, fmt.Errorf("all tts providers failed: %w", errors.Join(errs...))
}

// Prepare strips markdown and directives and truncates to the rune limit.
func (m *Manager) Prepare(text string) string {
	clean := strings.TrimSpace(stripTtsDirectives(stripMarkdown(text)))
	if utf8.RuneCountInString(clean) > m.maxRunes {
		clean = string([]rune(clean)[:m.maxRunes]) + "..."
	}
	return clean
}

var (
	reCodeBlock   = regexp.MustCompile("(?s)```.*?```")
	reInlineCode  = regexp.MustCompile("`([^`]+)`")
	reBold        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	reItalic      = regexp.MustCompile(`\*([^*]+)\*`)
	reBoldUnder   = regexp.MustCompile(`__([^_]+)__`)
	reItalicUnder = regexp.MustCompile(`\b_([^_]+)_\b`)
	reImage       = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reLink        = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reHeader      = regexp.MustCompile(`(?m)^#+\s+`)
	reBullet      = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	reTtsText     = regexp.MustCompile(`(?s)\[\[tts:text\]\](.*?)\[\[/tts:text\]\]`)
	reTtsTag      = regexp.MustCompile(`\[\[tts(?::[^\]]*)?\]\]`)
)

// stripMarkdown removes common markdown formatting for cleaner TTS input.
func stripMarkdown(text string) string {
	text = reCodeBlock.ReplaceAllString(text, "")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reBold.ReplaceAllString(text, "$1")
	text = reItalic.ReplaceAllString(text, "$1")
	text = reBoldUnder.ReplaceAllString(text, "$1")
	text = reItalicUnder.ReplaceAllString(text, "$1")
	text = reImage.ReplaceAllString(text, "$1")
	text = reLink.ReplaceAllString(text, "$1")
	text = reHeader.ReplaceAllString(text, "")
	text = reBullet.ReplaceAllString(text, "")
	return text
}

// stripTtsDirectives removes [[tts...]] directives, keeping [[tts:text]] bodies.
func stripTtsDirectives(text string) string {
	text = reTtsText.ReplaceAllString(text, "$1")
	return reTtsTag.ReplaceAllString(text, "")
}
