package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawnode/internal/config"
	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/internal/speech"
	"github.com/nextlevelbuilder/clawnode/internal/tts"
	"github.com/nextlevelbuilder/clawnode/internal/voice"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

const talkHelp = `Type to talk. End a line with \ to keep it as a partial transcript.
Commands: /mode (conversation mode on/off), /stop, /start, /sessions, /status, /quit`

func talkCmd() *cobra.Command {
	var (
		urlFlag    string
		sessionKey string
		pick       bool
	)
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Hold a voice conversation with an agent",
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			url, err := n.gatewayURL(urlFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			dev, err := n.identity.EnsureIdentity()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if sessionKey == "" {
				sessionKey = n.cfg.Talk.SessionKey
			}
			if pick {
				sessionKey = pickSession(n, urlFlag, sessionKey)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			shutdownTelemetry := initTelemetry(ctx, n.cfg, dev.NodeID)
			defer shutdownTelemetry(context.Background())

			if err := runTalk(ctx, n, url, sessionKey, os.Stdin, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway websocket url")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key to join (default: a new session)")
	cmd.Flags().BoolVar(&pick, "pick", false, "choose an existing session interactively")
	return cmd
}

func pickSession(n *node, urlFlag, current string) string {
	rows, err := fetchSessions(n, urlFlag, protocol.SessionsListParams{Limit: n.cfg.Talk.SessionListLimit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not list sessions: %s\n", err)
		return current
	}
	options := []SelectOption[string]{{Label: "New session", Value: ""}}
	def := 0
	for _, r := range rows {
		options = append(options, SelectOption[string]{Label: r.Label() + "  (" + r.Key + ")", Value: r.Key})
		if r.Key == current {
			def = len(options) - 1
		}
	}
	key, err := promptSelect("Session", options, def)
	if err != nil {
		return current
	}
	return key
}

// buildSpeechOutput wires the configured TTS provider and player. Without
// either, replies are only printed.
func buildSpeechOutput(cfg *config.Config, echo io.Writer) (*speech.Sink, bool) {
	t := cfg.TTS
	if t.Provider == "" {
		return speech.NewSink(speech.SinkConfig{Echo: echo}), false
	}

	mgr := tts.NewManager(tts.ManagerConfig{Primary: t.Provider, TimeoutMs: t.TimeoutMs})
	if t.OpenAI.APIKey != "" {
		mgr.RegisterProvider(tts.NewOpenAIProvider(tts.OpenAIConfig{
			APIKey: t.OpenAI.APIKey, APIBase: t.OpenAI.APIBase,
			Model: t.OpenAI.Model, Voice: t.OpenAI.Voice, TimeoutMs: t.TimeoutMs,
		}))
	}
	if t.ElevenLabs.APIKey != "" {
		mgr.RegisterProvider(tts.NewElevenLabsProvider(tts.ElevenLabsConfig{
			APIKey: t.ElevenLabs.APIKey, BaseURL: t.ElevenLabs.BaseURL,
			VoiceID: t.ElevenLabs.VoiceID, ModelID: t.ElevenLabs.ModelID, TimeoutMs: t.TimeoutMs,
		}))
	}
	if edge := tts.NewEdgeProvider(tts.EdgeConfig{Voice: t.Edge.Voice, Rate: t.Edge.Rate, TimeoutMs: t.TimeoutMs}); (t.Edge.Enabled || t.Provider == "edge") && edge.Available() {
		mgr.RegisterProvider(edge)
	}
	if !mgr.HasProviders() {
		slog.Warn("tts provider configured but not usable, printing replies only", "provider", t.Provider)
		return speech.NewSink(speech.SinkConfig{Echo: echo}), false
	}

	player, err := speech.DetectPlayer(t.Player)
	if err != nil {
		slog.Warn("no audio player found, printing replies only", "error", err)
		return speech.NewSink(speech.SinkConfig{Echo: echo}), false
	}
	slog.Info("speech output ready", "tts", mgr.PrimaryProvider(), "player", player.Binary())
	return speech.NewSink(speech.SinkConfig{Synth: mgr, Player: player}), true
}

func runTalk(ctx context.Context, n *node, url, sessionKey string, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := n.newConnection()
	defer conn.Close()

	out, audible := buildSpeechOutput(n.cfg, prefixWriter{w: stdout, prefix: "agent> "})
	defer out.Close()
	in := speech.NewLineInput()

	coord := voice.New(voice.Config{
		AgentID:          n.cfg.Talk.AgentID,
		MicRestartDelay:  n.cfg.Talk.MicRestartDelay(),
		MinFlushRunes:    n.cfg.Talk.MinFlushRunes,
		SessionListLimit: n.cfg.Talk.SessionListLimit,
	}, conn, conn, in, out)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx)
	}()

	if interval := n.cfg.Gateway.ReachabilityInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gateway.NewPathMonitor(conn.URL, conn, interval).Run(ctx)
		}()
	}

	if _, err := os.Stat(n.cfgPath); err == nil {
		if w, err := config.NewWatcher(n.cfgPath); err == nil {
			w.OnChange(func(cfg *config.Config) {
				coord.SetMicRestartDelay(cfg.Talk.MicRestartDelay())
			})
			if err := w.Start(); err == nil {
				defer w.Stop()
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		render(ctx, coord.ViewModel(), stdout, !audible)
	}()

	if err := coord.StartConversation(url, sessionKey); err != nil {
		return err
	}
	n.rememberURL(url)
	fmt.Fprintln(stdout, talkHelp)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			coord.StopConversation()
			return nil
		case line, ok := <-lines:
			if !ok {
				coord.StopConversation()
				return nil
			}
			if quit := handleTalkLine(ctx, coord, in, url, line, stdout); quit {
				coord.StopConversation()
				return nil
			}
		}
	}
}

// handleTalkLine runs a slash command or injects the line as speech.
// It returns true on /quit.
func handleTalkLine(ctx context.Context, coord *voice.Coordinator, in *speech.LineInput, url, line string, stdout io.Writer) bool {
	switch cmd := strings.TrimSpace(line); cmd {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/stop":
		coord.StopConversation()
		fmt.Fprintln(stdout, "Conversation stopped. /start to resume.")
	case "/start":
		snap, _ := coord.Snapshot()
		if err := coord.StartConversation(url, snap.SessionKey); err != nil {
			fmt.Fprintf(stdout, "Cannot start: %s\n", err)
		}
	case "/mode":
		on, err := coord.ToggleConversationMode()
		switch {
		case err != nil:
			fmt.Fprintf(stdout, "Error: %s\n", err)
		case on:
			fmt.Fprintln(stdout, "Conversation mode on: the microphone reopens after each reply.")
		default:
			fmt.Fprintln(stdout, "Conversation mode off.")
		}
	case "/sessions":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rows, err := coord.RefreshSessions(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(stdout, "Error: %s\n", err)
			return false
		}
		printSessions(stdout, rows, false)
	case "/status":
		snap, _ := coord.Snapshot()
		fmt.Fprintf(stdout, "state=%s connection=%s session=%s mode=%t\n",
			snap.State, snap.Connection, snap.SessionKey, snap.ConversationMode)
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintln(stdout, talkHelp)
			return false
		}
		if err := in.Inject(line); errors.Is(err, speech.ErrNotCapturing) {
			fmt.Fprintln(stdout, "(not listening right now)")
		}
	}
	return false
}

// render prints view-model changes: new agent entries, status lines and
// pairing prompts.
func render(ctx context.Context, vm *voice.ViewModel, w io.Writer, printOnly bool) {
	seen := 0
	var lastStatus, lastConn string
	for {
		select {
		case <-ctx.Done():
			return
		case <-vm.Changes():
		}
		snap := vm.Snapshot()

		if len(snap.Entries) < seen {
			seen = 0
		}
		for _, e := range snap.Entries[seen:] {
			// print-only sinks already echo spoken replies
			if e.Role == voice.RoleAgent && (!printOnly || !snap.ConversationActive) {
				fmt.Fprintf(w, "agent> %s\n", e.Text)
			}
		}
		seen = len(snap.Entries)

		if snap.Connection != lastConn {
			lastConn = snap.Connection
			fmt.Fprintf(w, "[%s]\n", lastConn)
		}
		if snap.Status != "" && snap.Status != lastStatus {
			fmt.Fprintf(w, "[%s]\n", snap.Status)
		}
		lastStatus = snap.Status
	}
}

// prefixWriter prefixes each write, used for echoed replies.
type prefixWriter struct {
	w      io.Writer
	prefix string
}

func (p prefixWriter) Write(b []byte) (int, error) {
	if _, err := io.WriteString(p.w, p.prefix+strings.TrimLeft(string(b), " ")); err != nil {
		return 0, err
	}
	return len(b), nil
}
