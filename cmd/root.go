package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawnode/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawnode",
	Short: "Voice node client for an OpenClaw-compatible gateway",
	Long: `clawnode pairs this device with an OpenClaw gateway and holds voice
conversations with an agent: transcripts go up as node events, streamed
chat replies come back and are spoken sentence by sentence.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.clawnode/config.json, or $CLAWNODE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noInput, "no-input", false, "never prompt; use defaults and fail where none exist")

	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

// setupLogging installs the default slog handler on stderr. The level comes
// from --verbose, then log.level in the config.
func setupLogging() {
	level := slog.LevelInfo
	format := "text"
	if cfg, err := config.Load(resolveConfigPath()); err == nil {
		level = parseLevel(cfg.Log.Level)
		format = cfg.Log.Format
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("clawnode %s\n", Version)
		},
	}
}
