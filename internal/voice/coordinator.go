// Package voice runs a spoken conversation with a gateway agent: it forwards
// finalized utterances, filters streamed responses by session, speaks them
// sentence by sentence and reopens the microphone when the agent is done.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

var (
	// ErrNotRunning is returned by calls made after Run has returned.
	ErrNotRunning = errors.New("voice: coordinator not running")
	// ErrConversationActive is returned by StartConversation during a conversation.
	ErrConversationActive = errors.New("voice: conversation already active")
	// ErrNoGateway is returned when a conversation starts offline without a URL.
	ErrNoGateway = errors.New("voice: no gateway url")
	// ErrNoSessionLister is returned by RefreshSessions without a lister.
	ErrNoSessionLister = errors.New("voice: no session lister")
)

// Config tunes a Coordinator. Zero values take the defaults.
type Config struct {
	AgentID          string
	MicRestartDelay  time.Duration
	MinFlushRunes    int
	SessionListLimit int
	RunCacheSize     int
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	if c.MicRestartDelay <= 0 {
		c.MicRestartDelay = 600 * time.Millisecond
	}
	if c.MinFlushRunes <= 0 {
		c.MinFlushRunes = 2
	}
	if c.SessionListLimit <= 0 {
		c.SessionListLimit = 50
	}
	if c.RunCacheSize <= 0 {
		c.RunCacheSize = 128
	}
}

// turn tracks the response currently streaming for the active session.
type turn struct {
	runID   string
	display string // latest full text
	fed     string // prefix of display already given to the segmenter
}

// Coordinator is the conversation state machine. Every field below the
// mailbox is owned by the Run goroutine.
type Coordinator struct {
	cfg    Config
	gw     Gateway
	lister SessionLister
	in     SpeechInput
	out    SpeechOutput
	vm     *ViewModel

	mail    *mailbox
	done    chan struct{}
	runCtx  context.Context
	refresh singleflight.Group

	state          State
	active         bool
	convMode       bool
	sessionKey     string
	subscribed     string // session key chat events are routed to this node for
	pendingCapture bool
	awaiting       bool // an utterance was sent and its run has not ended

	turn turn
	seg  Segmenter

	outputSpeaking bool
	pendingSpeech  bool // text buffered since the sink last reported idle

	finished *lru.Cache[string, struct{}]
	muted    *lru.Cache[string, struct{}]

	restartTimer *time.Timer
	restartGen   uint64
}

// New builds a Coordinator. lister may be nil.
func New(cfg Config, gw Gateway, lister SessionLister, in SpeechInput, out SpeechOutput) *Coordinator {
	cfg.applyDefaults()
	finished, _ := lru.New[string, struct{}](cfg.RunCacheSize)
	muted, _ := lru.New[string, struct{}](cfg.RunCacheSize)
	return &Coordinator{
		cfg:      cfg,
		gw:       gw,
		lister:   lister,
		in:       in,
		out:      out,
		vm:       NewViewModel(),
		mail:     newMailbox(),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		finished: finished,
		muted:    muted,
	}
}

// ViewModel returns the UI-facing state.
func (c *Coordinator) ViewModel() *ViewModel { return c.vm }

// Run processes collaborator events and calls until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	defer c.cancelRestart()

	gwEvents := c.gw.Events()
	inEvents := c.in.Events()
	outEvents := c.out.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.mail.signal:
			for _, fn := range c.mail.drain() {
				fn()
			}
		case ev, ok := <-gwEvents:
			if !ok {
				gwEvents = nil
				continue
			}
			c.handleGateway(ev)
		case ev, ok := <-inEvents:
			if !ok {
				inEvents = nil
				continue
			}
			c.handleInput(ev)
		case st, ok := <-outEvents:
			if !ok {
				outEvents = nil
				continue
			}
			c.handleOutput(st)
		}
	}
}

func (c *Coordinator) post(fn func()) { c.mail.post(fn) }

// do runs fn on the Run goroutine and waits for it.
func (c *Coordinator) do(fn func()) error {
	finished := make(chan struct{})
	c.post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrNotRunning
	}
}

// StartConversation begins a conversation on sessionKey, minting a new key
// when empty. Capture starts now if connected, otherwise after the handshake.
func (c *Coordinator) StartConversation(url, sessionKey string) error {
	var err error
	if doErr := c.do(func() { err = c.start(url, sessionKey) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) start(url, sessionKey string) error {
	if c.active {
		return ErrConversationActive
	}
	connected := c.gw.State().Connected()
	if !connected && url == "" {
		return ErrNoGateway
	}
	if sessionKey == "" {
		sessionKey = protocol.NewSessionKey(c.cfg.AgentID)
	}
	if c.subscribed != "" && c.subscribed != sessionKey {
		c.unsubscribe()
	}
	if sessionKey != c.sessionKey {
		c.vm.update(func(s *Snapshot) {
			s.Entries = nil
			s.PartialResponse = ""
		})
	}
	c.sessionKey = sessionKey
	c.active = true
	c.convMode = true
	c.awaiting = false
	c.turn = turn{}
	c.seg.Reset()
	c.syncFlags()
	slog.Info("voice.conversation_started", "session", sessionKey)

	if connected {
		c.subscribe()
		c.beginCapture()
		return nil
	}
	c.pendingCapture = true
	if err := c.gw.Connect(url); err != nil {
		c.active, c.convMode, c.pendingCapture = false, false, false
		c.syncFlags()
		return fmt.Errorf("connect gateway: %w", err)
	}
	return nil
}

// StopConversation ends the conversation. A pending transcript long enough
// to be meaningful is sent first. Calling it again is a no-op.
func (c *Coordinator) StopConversation() error {
	return c.do(c.stop)
}

func (c *Coordinator) stop() {
	if !c.active {
		return
	}
	pending := strings.TrimSpace(c.in.PendingTranscript())
	if utf8.RuneCountInString(pending) >= c.cfg.MinFlushRunes {
		c.submit(pending)
	}
	c.in.StopCapture()
	c.out.Interrupt()
	c.outputSpeaking, c.pendingSpeech = false, false
	c.cancelRestart()
	c.active, c.convMode, c.pendingCapture = false, false, false
	// What was already said is not repeated if the conversation resumes
	// while this run is still streaming.
	if c.turn.runID != "" {
		c.muted.Add(c.turn.runID, struct{}{})
	}
	c.turn = turn{}
	c.seg.Reset()
	c.setState(StateIdle)
	c.vm.update(func(s *Snapshot) { s.PartialTranscript = "" })
	c.syncFlags()
	slog.Info("voice.conversation_stopped", "session", c.sessionKey)
}

// ToggleConversationMode flips conversation mode during a conversation and
// returns the new value. It returns false when no conversation is active.
func (c *Coordinator) ToggleConversationMode() (bool, error) {
	var mode bool
	err := c.do(func() { mode = c.toggle() })
	return mode, err
}

func (c *Coordinator) toggle() bool {
	if !c.active {
		return false
	}
	c.convMode = !c.convMode
	if c.convMode {
		if c.state == StateIdle {
			c.beginCapture()
		}
	} else {
		c.in.StopCapture()
		c.cancelRestart()
		if c.state == StateListening {
			c.setState(StateIdle)
		}
	}
	c.syncFlags()
	return c.convMode
}

// SetMicRestartDelay changes the delay used by future mic restarts.
func (c *Coordinator) SetMicRestartDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.post(func() { c.cfg.MicRestartDelay = d })
}

// RefreshSessions reloads the remote session list and returns it once the
// view-model holds it.
func (c *Coordinator) RefreshSessions(ctx context.Context) ([]protocol.SessionRow, error) {
	if c.lister == nil {
		return nil, ErrNoSessionLister
	}
	rows, err := c.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.do(func() { c.vm.update(func(s *Snapshot) { s.Sessions = rows }) }); err != nil {
		return nil, err
	}
	return rows, nil
}

// Snapshot returns the view-model after every previously posted call has run.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := c.do(func() { s = c.vm.Snapshot() })
	return s, err
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	slog.Debug("voice.state", "from", c.state, "to", s)
	c.state = s
	c.vm.update(func(snap *Snapshot) { snap.State = s })
}

func (c *Coordinator) syncFlags() {
	active, mode, key := c.active, c.convMode, c.sessionKey
	c.vm.update(func(s *Snapshot) {
		s.ConversationActive = active
		s.ConversationMode = mode
		s.SessionKey = key
	})
}

func (c *Coordinator) beginCapture() {
	if !c.active {
		return
	}
	if err := c.in.StartCapture(); err != nil {
		slog.Warn("voice.capture_start_failed", "error", err)
		c.vm.setStatus("Microphone unavailable: " + err.Error())
		return
	}
	if c.state == StateIdle {
		c.setState(StateListening)
	}
}

func (c *Coordinator) subscribe() {
	err := c.gw.Send(protocol.NodeEventChatSubscribe, c.sessionKey,
		protocol.ChatSubscription{SessionKey: c.sessionKey})
	if err != nil {
		slog.Debug("voice.subscribe_failed", "session", c.sessionKey, "error", err)
		return
	}
	c.subscribed = c.sessionKey
}

// unsubscribe stops routing of the previously subscribed session. A stopped
// conversation stays subscribed so an in-flight reply can still be shown.
func (c *Coordinator) unsubscribe() {
	key := c.subscribed
	c.subscribed = ""
	err := c.gw.Send(protocol.NodeEventChatUnsubscribe, key, protocol.ChatSubscription{SessionKey: key})
	if err != nil {
		slog.Debug("voice.unsubscribe_failed", "session", key, "error", err)
	}
}

// submit forwards a finalized utterance, interrupting the agent if it is talking.
func (c *Coordinator) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if c.outputSpeaking || c.pendingSpeech || c.state == StateSpeaking {
		c.out.Interrupt()
		c.outputSpeaking, c.pendingSpeech = false, false
		if c.turn.runID != "" {
			c.muted.Add(c.turn.runID, struct{}{})
		}
		c.turn = turn{}
		c.seg.Reset()
	}
	c.cancelRestart()

	c.vm.append(RoleUser, text)
	c.vm.update(func(s *Snapshot) { s.PartialTranscript = "" })
	c.setState(StateProcessing)
	c.awaiting = true

	err := c.gw.Send(protocol.NodeEventVoiceTranscript, c.sessionKey,
		protocol.VoiceTranscript{Text: text, SessionKey: c.sessionKey})
	if err != nil {
		slog.Warn("voice.transcript_send_failed", "error", err)
		c.vm.setStatus("Not connected: message was not sent")
		c.awaiting = false
		c.setState(StateIdle)
	}
}

// scheduleRestart reopens the microphone after the restart delay. The timer
// body runs on the Run goroutine and does nothing once its generation is stale.
func (c *Coordinator) scheduleRestart() {
	c.cancelRestart()
	gen := c.restartGen
	c.vm.update(func(s *Snapshot) { s.MicRestartPending = true })
	c.restartTimer = time.AfterFunc(c.cfg.MicRestartDelay, func() {
		c.post(func() {
			if gen != c.restartGen {
				return
			}
			c.restartTimer = nil
			c.vm.update(func(s *Snapshot) { s.MicRestartPending = false })
			if !c.active || !c.convMode || c.state != StateIdle {
				return
			}
			c.beginCapture()
		})
	})
}

func (c *Coordinator) cancelRestart() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
		c.vm.update(func(s *Snapshot) { s.MicRestartPending = false })
	}
	c.restartGen++
}

func (c *Coordinator) maybeScheduleRestart() {
	if c.active && c.convMode && !c.awaiting && !c.outputSpeaking && !c.pendingSpeech {
		c.scheduleRestart()
	}
}

func (c *Coordinator) handleInput(ev InputEvent) {
	switch e := ev.(type) {
	case PartialTranscript:
		if c.active {
			c.vm.update(func(s *Snapshot) { s.PartialTranscript = e.Text })
		}
	case Utterance:
		if !c.active {
			slog.Debug("voice.utterance_dropped", "reason", "inactive")
			return
		}
		c.submit(e.Text)
	case CaptureError:
		slog.Warn("voice.capture_error", "error", e.Err)
		c.vm.setStatus("Voice capture error: " + e.Err.Error())
		if c.state == StateListening {
			c.setState(StateIdle)
		}
		c.maybeScheduleRestart()
	}
}

func (c *Coordinator) handleOutput(st OutputState) {
	switch st {
	case OutputSpeaking:
		c.outputSpeaking = true
		c.cancelRestart()
	case OutputIdle:
		c.outputSpeaking, c.pendingSpeech = false, false
		if c.state == StateSpeaking && !c.awaiting {
			c.setState(StateIdle)
		}
		c.maybeScheduleRestart()
	}
}

func (c *Coordinator) handleGateway(ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.StateEvent:
		c.vm.update(func(s *Snapshot) { s.Connection = e.State.String() })

	case gateway.ConnectedEvent:
		c.vm.update(func(s *Snapshot) {
			s.PairingRequired = false
			s.PairingRequestID = ""
		})
		c.refreshSessions()
		if !c.active {
			return
		}
		c.subscribe()
		if c.pendingCapture {
			c.pendingCapture = false
			if c.convMode {
				c.beginCapture()
			}
		}

	case gateway.DisconnectedEvent:
		// subscriptions do not survive the socket
		c.subscribed = ""
		if c.active && c.awaiting {
			c.vm.setStatus("Connection lost, reconnecting")
		}

	case gateway.ErrorEvent:
		if cf, ok := gateway.AsPairingRequired(e.Err); ok {
			c.vm.update(func(s *Snapshot) {
				s.PairingRequired = true
				s.PairingRequestID = cf.RequestID
				s.Status = "Pairing required: approve this node on the gateway"
			})
			return
		}
		if errors.Is(e.Err, gateway.ErrTokenNotPersisted) {
			c.vm.setStatus("Pairing token could not be saved: the next connection will need pairing again")
			return
		}
		var cf *gateway.ChallengeFailedError
		if errors.As(e.Err, &cf) {
			c.vm.setStatus("Gateway rejected connection: " + cf.Reason)
			return
		}
		slog.Debug("voice.gateway_error", "error", e.Err)

	case gateway.MessageEvent:
		switch e.Name {
		case protocol.EventChat:
			c.handleChat(e)
		case protocol.EventAgent:
			c.handleAgent(e)
		}
	}
}

// handleChat processes streamed responses. Only events carrying exactly the
// active session key are accepted.
func (c *Coordinator) handleChat(e gateway.MessageEvent) {
	if c.sessionKey == "" || e.SessionKey != c.sessionKey {
		slog.Debug("voice.chat_dropped", "session", e.SessionKey)
		return
	}
	var ce protocol.ChatEvent
	if err := json.Unmarshal(e.Payload, &ce); err != nil {
		slog.Warn("voice.chat_malformed", "error", err)
		return
	}
	if ce.RunID != "" {
		if c.finished.Contains(ce.RunID) {
			return
		}
		if c.muted.Contains(ce.RunID) {
			// Talked over or stopped: keep the transcript, never speak it.
			switch phase := ce.Phase(); phase {
			case protocol.ChatStateDelta:
				if text := ce.Text(); text != "" {
					c.vm.update(func(s *Snapshot) { s.PartialResponse = text })
				}
			case protocol.ChatStateFinal, protocol.ChatStateError, protocol.ChatStateAborted:
				if text := ce.Text(); text != "" && phase == protocol.ChatStateFinal {
					c.vm.append(RoleAgent, text)
				}
				c.vm.update(func(s *Snapshot) { s.PartialResponse = "" })
				c.finished.Add(ce.RunID, struct{}{})
			}
			return
		}
		if c.turn.runID != ce.RunID {
			c.turn = turn{runID: ce.RunID}
			c.seg.Reset()
		}
	}

	switch ce.Phase() {
	case protocol.ChatStateDelta:
		c.onDelta(ce.Text())
	case protocol.ChatStateFinal:
		c.onFinal(ce.RunID, ce.Text())
	case protocol.ChatStateError, protocol.ChatStateAborted:
		c.onRunEnded(ce)
	}
}

func (c *Coordinator) onDelta(text string) {
	c.turn.display = text
	c.vm.update(func(s *Snapshot) { s.PartialResponse = text })
	if !c.active || text == "" {
		return
	}
	if c.state == StateProcessing {
		c.setState(StateSpeaking)
	}
	c.feed(text)
}

// feed gives the segmenter whatever part of text it has not seen. Responses
// are resent in full on every update. When a rewrite changes or cuts text
// that was already spoken, segmentation restarts at the last sentence
// boundary of the new text within the spoken length.
func (c *Coordinator) feed(text string) {
	fed := c.turn.fed
	c.turn.fed = text
	if strings.HasPrefix(text, fed) {
		c.speak(c.seg.Feed(text[len(fed):]))
		return
	}
	spoken := len(fed) - len(c.seg.Pending())
	c.seg.Reset()
	if spoken > len(text) || text[:spoken] != fed[:spoken] {
		spoken = min(spoken, len(text))
		_, partial := ExtractSentences(text[:spoken])
		spoken -= len(partial)
		slog.Debug("voice.response_rewritten", "run", c.turn.runID)
	}
	c.speak(c.seg.Feed(text[spoken:]))
}

func (c *Coordinator) speak(sentences []string) {
	buffered := false
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		c.out.Buffer(s)
		buffered = true
	}
	if !buffered {
		return
	}
	c.pendingSpeech = true
	c.cancelRestart()
	if c.state == StateIdle || c.state == StateListening {
		c.setState(StateSpeaking)
	}
}

func (c *Coordinator) onFinal(runID, text string) {
	if text == "" {
		text = c.turn.display
	}
	if text != "" {
		c.vm.append(RoleAgent, text)
	}
	c.vm.update(func(s *Snapshot) { s.PartialResponse = "" })

	if c.active {
		c.feed(text)
		if tail, ok := c.seg.Flush(); ok {
			c.speak([]string{tail})
		}
		c.out.Flush()
	}
	if runID != "" {
		c.finished.Add(runID, struct{}{})
	}
	c.turn = turn{}
	c.seg.Reset()
	c.awaiting = false
	c.setState(StateIdle)
	c.maybeScheduleRestart()
}

func (c *Coordinator) onRunEnded(ce protocol.ChatEvent) {
	msg := ce.ErrorMessage
	if msg == "" {
		msg = "response " + ce.Phase()
	}
	c.vm.update(func(s *Snapshot) {
		s.PartialResponse = ""
		s.Status = "Agent: " + msg
	})
	if ce.RunID != "" {
		c.finished.Add(ce.RunID, struct{}{})
	}
	c.turn = turn{}
	c.seg.Reset()
	c.awaiting = false
	if c.active && ce.Phase() == protocol.ChatStateError {
		c.out.Speak(apologyFor(ce.ErrorMessage))
		c.pendingSpeech = true
	}
	c.setState(StateIdle)
	c.maybeScheduleRestart()
}

// handleAgent accepts legacy progress events as status text only. Unscoped
// events pass; scoped ones must match the active session.
func (c *Coordinator) handleAgent(e gateway.MessageEvent) {
	if !c.active {
		return
	}
	if e.SessionKey != "" && e.SessionKey != c.sessionKey {
		return
	}
	var ae protocol.AgentEvent
	if err := json.Unmarshal(e.Payload, &ae); err != nil {
		return
	}
	if status := ae.Status(); status != "" {
		c.vm.setStatus(status)
	}
}

// refreshSessions reloads the session list without blocking the actor.
func (c *Coordinator) refreshSessions() {
	if c.lister == nil {
		return
	}
	ctx := c.runCtx
	go func() {
		rows, err := c.loadSessions(ctx)
		if err != nil {
			slog.Warn("voice.sessions_refresh_failed", "error", err)
			return
		}
		c.post(func() {
			c.vm.update(func(s *Snapshot) { s.Sessions = rows })
		})
	}()
}

// loadSessions fetches the session list; concurrent callers share one request.
// It only reads configuration fixed at construction.
func (c *Coordinator) loadSessions(ctx context.Context) ([]protocol.SessionRow, error) {
	params := protocol.SessionsListParams{Limit: c.cfg.SessionListLimit, AgentID: c.cfg.AgentID}
	v, err, _ := c.refresh.Do("sessions", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return c.lister.ListSessions(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := v.([]protocol.SessionRow)
	return rows, nil
}
