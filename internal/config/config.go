package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultDir is the per-user directory holding config and the file vault.
const DefaultDir = "~/.clawnode"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "CLAWNODE_CONFIG"

// Config is the root configuration for the node client.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Talk      TalkConfig      `json:"talk"`
	Storage   StorageConfig   `json:"storage"`
	TTS       TTSConfig       `json:"tts"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Log       LogConfig       `json:"log"`
}

// GatewayConfig describes how the node reaches and identifies itself to the gateway.
type GatewayConfig struct {
	URL          string   `json:"url,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	DisplayName  string   `json:"displayName,omitempty"`
	ClientMode   string   `json:"clientMode,omitempty"`
	Role         string   `json:"role,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Caps         []string `json:"caps,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	DeviceFamily string   `json:"deviceFamily,omitempty"`
	Locale       string   `json:"locale,omitempty"`

	InitialBackoffMs       int `json:"initialBackoffMs,omitempty"`
	MaxBackoffMs           int `json:"maxBackoffMs,omitempty"`
	HandshakeTimeoutMs     int `json:"handshakeTimeoutMs,omitempty"`
	ReachabilityIntervalMs int `json:"reachabilityIntervalMs,omitempty"` // 0 disables reachability checks
	PairPollIntervalMs     int `json:"pairPollIntervalMs,omitempty"`
}

// TalkConfig tunes the voice session coordinator.
type TalkConfig struct {
	AgentID           string `json:"agentId,omitempty"`
	SessionKey        string `json:"sessionKey,omitempty"`
	MicRestartDelayMs int    `json:"micRestartDelayMs,omitempty"`
	MinFlushRunes     int    `json:"minFlushRunes,omitempty"`
	SessionListLimit  int    `json:"sessionListLimit,omitempty"`
}

// StorageConfig selects the secret store backend.
type StorageConfig struct {
	Backend       string `json:"backend,omitempty"` // "keyring", "file", "memory"
	Service       string `json:"service,omitempty"`
	Dir           string `json:"dir,omitempty"`
	PassphraseEnv string `json:"passphraseEnv,omitempty"`
}

// TTSConfig configures speech synthesis for agent replies.
type TTSConfig struct {
	Provider   string              `json:"provider,omitempty"` // "openai", "elevenlabs", "edge", "" = print only
	Player     string              `json:"player,omitempty"`   // external audio player command
	TimeoutMs  int                 `json:"timeoutMs,omitempty"`
	OpenAI     TTSOpenAIConfig     `json:"openai"`
	ElevenLabs TTSElevenLabsConfig `json:"elevenlabs"`
	Edge       TTSEdgeConfig       `json:"edge"`
}

type TTSOpenAIConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

type TTSElevenLabsConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
	ModelID string `json:"modelId,omitempty"`
}

type TTSEdgeConfig struct {
	Enabled bool   `json:"enabled"`
	Voice   string `json:"voice,omitempty"`
	Rate    string `json:"rate,omitempty"`
}

// TelemetryConfig configures OTLP trace export (only honoured in otel builds).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text, json
}

// Default returns a config with every tunable set.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ClientID:               "clawnode",
			DisplayName:            "clawnode",
			ClientMode:             "node",
			Role:                   "node",
			Scopes:                 []string{},
			Caps:                   []string{"voice"},
			InitialBackoffMs:       1000,
			MaxBackoffMs:           30000,
			HandshakeTimeoutMs:     10000,
			ReachabilityIntervalMs: 5000,
			PairPollIntervalMs:     3000,
		},
		Talk: TalkConfig{
			AgentID:           DefaultAgentID,
			MicRestartDelayMs: 600,
			MinFlushRunes:     2,
			SessionListLimit:  50,
		},
		Storage: StorageConfig{
			Backend:       "keyring",
			Service:       "clawnode",
			Dir:           DefaultDir,
			PassphraseEnv: "CLAWNODE_VAULT_PASSPHRASE",
		},
		TTS: TTSConfig{
			TimeoutMs: 30000,
			Edge:      TTSEdgeConfig{Voice: "en-US-MichelleNeural"},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "clawnode",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a JSON5 config file over the defaults and applies env overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON with owner-only permissions.
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// ApplyEnvOverrides lets CLAWNODE_* variables win over file values.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CLAWNODE_GATEWAY_URL", &c.Gateway.URL)
	envStr("CLAWNODE_CLIENT_ID", &c.Gateway.ClientID)
	envStr("CLAWNODE_PLATFORM", &c.Gateway.Platform)
	envStr("CLAWNODE_DEVICE_FAMILY", &c.Gateway.DeviceFamily)
	envStr("CLAWNODE_AGENT", &c.Talk.AgentID)
	envStr("CLAWNODE_SESSION", &c.Talk.SessionKey)
	envInt("CLAWNODE_MIC_RESTART_MS", &c.Talk.MicRestartDelayMs)
	envStr("CLAWNODE_STORAGE", &c.Storage.Backend)
	envStr("CLAWNODE_STORAGE_DIR", &c.Storage.Dir)
	envStr("CLAWNODE_TTS_PROVIDER", &c.TTS.Provider)
	envStr("CLAWNODE_TTS_PLAYER", &c.TTS.Player)
	envStr("CLAWNODE_OPENAI_API_KEY", &c.TTS.OpenAI.APIKey)
	envStr("CLAWNODE_ELEVENLABS_API_KEY", &c.TTS.ElevenLabs.APIKey)
	envStr("CLAWNODE_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("CLAWNODE_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate normalizes fields in place and rejects unusable values.
func (c *Config) Validate() error {
	if c.Gateway.URL != "" {
		u, err := NormalizeGatewayURL(c.Gateway.URL)
		if err != nil {
			return err
		}
		c.Gateway.URL = u
	}
	c.Talk.AgentID = NormalizeAgentID(c.Talk.AgentID)

	switch c.Storage.Backend {
	case "", "keyring", "file", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.TTS.Provider {
	case "", "openai", "elevenlabs", "edge":
	default:
		return fmt.Errorf("tts.provider: unknown provider %q", c.TTS.Provider)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Gateway.MaxBackoffMs > 0 && c.Gateway.InitialBackoffMs > c.Gateway.MaxBackoffMs {
		return errors.New("gateway.initialBackoffMs exceeds maxBackoffMs")
	}
	if c.Talk.MicRestartDelayMs < 0 {
		return errors.New("talk.micRestartDelayMs must not be negative")
	}
	return nil
}

// MaskedCopy returns a copy with API keys and header values redacted for display.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	cp.TTS.OpenAI.APIKey = MaskSecret(c.TTS.OpenAI.APIKey)
	cp.TTS.ElevenLabs.APIKey = MaskSecret(c.TTS.ElevenLabs.APIKey)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k, v := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = MaskSecret(v)
		}
	}
	return &cp
}

// MaskSecret keeps the first and last four characters of long values.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 8:
		return s[:4] + "****" + s[len(s)-4:]
	default:
		return "****"
	}
}

// Duration helpers.

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (g GatewayConfig) InitialBackoff() time.Duration       { return ms(g.InitialBackoffMs) }
func (g GatewayConfig) MaxBackoff() time.Duration           { return ms(g.MaxBackoffMs) }
func (g GatewayConfig) HandshakeTimeout() time.Duration     { return ms(g.HandshakeTimeoutMs) }
func (g GatewayConfig) ReachabilityInterval() time.Duration { return ms(g.ReachabilityIntervalMs) }
func (g GatewayConfig) PairPollInterval() time.Duration     { return ms(g.PairPollIntervalMs) }
func (t TalkConfig) MicRestartDelay() time.Duration         { return ms(t.MicRestartDelayMs) }

// ResolvePath picks the config file: explicit flag, then CLAWNODE_CONFIG, then the default.
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandHome(flag)
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome(filepath.Join(DefaultDir, "config.json"))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
