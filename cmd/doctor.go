package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawnode/internal/config"
	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/internal/identity"
	"github.com/nextlevelbuilder/clawnode/internal/secrets"
	"github.com/nextlevelbuilder/clawnode/internal/speech"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, identity and gateway reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawnode doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Identity:")
	store, err := openSecrets(cfg)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Store:", err)
	} else {
		fmt.Printf("    %-12s %s\n", "Store:", cfg.Storage.Backend)
		checkIdentity(store)
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	url := cfg.Gateway.URL
	if url == "" && store != nil {
		url, _ = store.Get(secrets.KeyLastGatewayURL)
	}
	if url == "" {
		fmt.Printf("    %-12s (not configured)\n", "URL:")
	} else {
		fmt.Printf("    %-12s %s\n", "URL:", url)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := gateway.Reachable(ctx, url, 3*time.Second); err != nil {
			fmt.Printf("    %-12s UNREACHABLE (%s)\n", "TCP:", err)
		} else {
			fmt.Printf("    %-12s reachable\n", "TCP:")
		}
		cancel()
	}

	fmt.Println()
	fmt.Println("  Speech:")
	provider := cfg.TTS.Provider
	if provider == "" {
		provider = "(none, replies are printed only)"
	}
	fmt.Printf("    %-12s %s\n", "TTS:", provider)
	checkKey("OpenAI", cfg.TTS.OpenAI.APIKey)
	checkKey("ElevenLabs", cfg.TTS.ElevenLabs.APIKey)
	if p, err := speech.DetectPlayer(cfg.TTS.Player); err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", "Player:")
	} else {
		checkBinary(p.Binary())
	}
	checkBinary("edge-tts")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkIdentity(store secrets.Store) {
	m := identity.NewManager(store)
	dev, err := m.Identity()
	switch {
	case errors.Is(err, identity.ErrNoIdentity):
		fmt.Printf("    %-12s (none yet)\n", "Node ID:")
		return
	case err != nil:
		fmt.Printf("    %-12s ERROR %s\n", "Node ID:", err)
		return
	}
	fmt.Printf("    %-12s %s\n", "Node ID:", dev.NodeID)
	if m.Paired() {
		fmt.Printf("    %-12s yes\n", "Paired:")
	} else {
		fmt.Printf("    %-12s no (run `clawnode pair`)\n", "Paired:")
	}
}

func checkKey(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", config.MaskSecret(apiKey))
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
