package cmd

import (
	"github.com/nextlevelbuilder/clawnode/internal/config"
)

// promptTTSConfig asks how agent replies should be spoken. Returns early on
// any error (e.g. user pressed Ctrl+C).
func promptTTSConfig(t *config.TTSConfig) error {
	provider, err := promptSelect("TTS Provider (speaks agent replies)", []SelectOption[string]{
		{"None       (print replies only)", ""},
		{"OpenAI     (gpt-4o-mini-tts, alloy voice)", "openai"},
		{"ElevenLabs (high quality, multilingual)", "elevenlabs"},
		{"Edge       (free Microsoft Edge TTS, needs the edge-tts CLI)", "edge"},
	}, 0)
	if err != nil {
		return err
	}
	t.Provider = provider

	switch provider {
	case "openai":
		key, err := promptPassword("OpenAI API Key", "Stored in the config file (0600). $CLAWNODE_OPENAI_API_KEY also works.")
		if err != nil {
			return err
		}
		t.OpenAI.APIKey = key
	case "elevenlabs":
		key, err := promptPassword("ElevenLabs API Key", "Stored in the config file (0600). $CLAWNODE_ELEVENLABS_API_KEY also works.")
		if err != nil {
			return err
		}
		t.ElevenLabs.APIKey = key
	case "edge":
		t.Edge.Enabled = true
	case "":
		return nil
	}

	player, err := promptString("Audio player command", "Leave empty to auto-detect ffplay, mpv or afplay", "")
	if err != nil {
		return err
	}
	t.Player = player
	return nil
}
