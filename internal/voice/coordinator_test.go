package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

type sentEvent struct {
	event      string
	sessionKey string
	payload    any
}

type fakeGateway struct {
	mu       sync.Mutex
	state    gateway.State
	connects []string
	sent     []sentEvent
	events   chan gateway.Event
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: make(chan gateway.Event, 64)}
}

func (g *fakeGateway) Connect(url string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects = append(g.connects, url)
	g.state = gateway.State{Kind: gateway.StateConnecting}
	return nil
}

func (g *fakeGateway) State() gateway.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *fakeGateway) Send(event, sessionKey string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Connected() {
		return gateway.ErrNotConnected
	}
	g.sent = append(g.sent, sentEvent{event, sessionKey, payload})
	return nil
}

func (g *fakeGateway) Events() <-chan gateway.Event { return g.events }

// connected flips to Connected and delivers the event, as the real
// Connection does.
func (g *fakeGateway) connected() {
	g.mu.Lock()
	g.state = gateway.State{Kind: gateway.StateConnected}
	g.mu.Unlock()
	g.events <- gateway.ConnectedEvent{Hello: &protocol.HelloOK{}}
}

func (g *fakeGateway) transcripts() []protocol.VoiceTranscript {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []protocol.VoiceTranscript
	for _, s := range g.sent {
		if vt, ok := s.payload.(protocol.VoiceTranscript); ok && s.event == protocol.NodeEventVoiceTranscript {
			out = append(out, vt)
		}
	}
	return out
}

func (g *fakeGateway) sentCount(event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

// sentKeys lists the session keys of every sent event named event.
func (g *fakeGateway) sentKeys(event string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for _, s := range g.sent {
		if s.event == event {
			keys = append(keys, s.sessionKey)
		}
	}
	return keys
}

func (g *fakeGateway) chat(sessionKey string, ev protocol.ChatEvent) {
	ev.SessionKey = sessionKey
	raw, _ := json.Marshal(ev)
	g.events <- gateway.MessageEvent{Name: protocol.EventChat, SessionKey: sessionKey, Payload: raw}
}

type fakeInput struct {
	starts  atomic.Int32
	stops   atomic.Int32
	mu      sync.Mutex
	pending string
	events  chan InputEvent
}

func newFakeInput() *fakeInput { return &fakeInput{events: make(chan InputEvent, 16)} }

func (f *fakeInput) StartCapture() error { f.starts.Add(1); return nil }
func (f *fakeInput) StopCapture() {
	f.stops.Add(1)
	f.mu.Lock()
	f.pending = ""
	f.mu.Unlock()
}
func (f *fakeInput) PendingTranscript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}
func (f *fakeInput) Events() <-chan InputEvent { return f.events }

type fakeOutput struct {
	mu         sync.Mutex
	buffered   []string
	spoken     []string
	flushes    int
	interrupts int
	events     chan OutputState
}

func newFakeOutput() *fakeOutput { return &fakeOutput{events: make(chan OutputState, 16)} }

func (f *fakeOutput) Speak(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
}
func (f *fakeOutput) Buffer(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = append(f.buffered, text)
}
func (f *fakeOutput) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}
func (f *fakeOutput) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}
func (f *fakeOutput) Events() <-chan OutputState { return f.events }

func (f *fakeOutput) counts() (buffered []string, flushes, interrupts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.buffered...), f.flushes, f.interrupts
}

type fakeLister struct {
	calls atomic.Int32
}

func (l *fakeLister) ListSessions(ctx context.Context, p protocol.SessionsListParams) ([]protocol.SessionRow, error) {
	l.calls.Add(1)
	return []protocol.SessionRow{{Key: "agent:main:main", Title: "Main"}}, nil
}

type harness struct {
	c      *Coordinator
	gw     *fakeGateway
	in     *fakeInput
	out    *fakeOutput
	lister *fakeLister
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{gw: newFakeGateway(), in: newFakeInput(), out: newFakeOutput(), lister: &fakeLister{}}
	if cfg.MicRestartDelay == 0 {
		cfg.MicRestartDelay = 40 * time.Millisecond
	}
	h.c = New(cfg, h.gw, h.lister, h.in, h.out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// startConnected starts a conversation on key over an already open connection.
func (h *harness) startConnected(t *testing.T, key string) {
	t.Helper()
	h.gw.mu.Lock()
	h.gw.state = gateway.State{Kind: gateway.StateConnected}
	h.gw.mu.Unlock()
	if err := h.c.StartConversation("", key); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitSnapshot(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	waitFor(t, what, func() bool {
		s, err := h.c.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		last = s
		return cond(s)
	})
	return last
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

const key = "agent:main:main:abc"

func TestStartConversation_DefersCaptureUntilConnected(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	h := newHarness(t, Config{})
	if err := h.c.StartConversation("ws://gw.test", ""); err != nil {
		t.Fatal(err)
	}
	s := h.snapshot(t)
	if !s.ConversationActive || !s.ConversationMode || s.SessionKey == "" {
		t.Fatalf("flags after start: %+v", s)
	}
	h.gw.mu.Lock()
	connects := append([]string(nil), h.gw.connects...)
	h.gw.mu.Unlock()
	if len(connects) != 1 || connects[0] != "ws://gw.test" {
		t.Fatalf("connects = %v", connects)
	}
	if h.in.starts.Load() != 0 {
		t.Fatal("capture started before connection")
	}

	h.gw.connected()
	h.waitSnapshot(t, "listening", func(s Snapshot) bool { return s.State == StateListening })
	if h.in.starts.Load() != 1 {
		t.Errorf("capture starts = %d", h.in.starts.Load())
	}
	if h.gw.sentCount(protocol.NodeEventChatSubscribe) != 1 {
		t.Errorf("expected one chat.subscribe")
	}
	h.waitSnapshot(t, "session list", func(s Snapshot) bool { return len(s.Sessions) == 1 })
}

func TestStartConversation_OfflineWithoutURL(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.c.StartConversation("", ""); !errors.Is(err, ErrNoGateway) {
		t.Fatalf("err = %v, want ErrNoGateway", err)
	}
	if h.snapshot(t).ConversationActive {
		t.Error("conversation should not be active")
	}
}

func TestSessionsRefreshedOnEveryConnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.connected()
	h.waitSnapshot(t, "first refresh", func(s Snapshot) bool { return len(s.Sessions) == 1 })
	h.gw.events <- gateway.DisconnectedEvent{}
	h.gw.connected()
	waitFor(t, "second refresh", func() bool { return h.lister.calls.Load() == 2 })
	if h.snapshot(t).ConversationActive {
		t.Error("refresh must not start a conversation")
	}
}

func TestUtteranceForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)

	h.in.events <- Utterance{Text: "Hello world"}
	s := h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })
	if len(s.Entries) != 1 || s.Entries[0].Role != RoleUser || s.Entries[0].Text != "Hello world" {
		t.Fatalf("entries = %+v", s.Entries)
	}
	got := h.gw.transcripts()
	if len(got) != 1 || got[0].Text != "Hello world" || got[0].SessionKey != key {
		t.Fatalf("transcripts = %+v", got)
	}
}

func TestUtteranceWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.gw.mu.Lock()
	h.gw.state = gateway.State{Kind: gateway.StateReconnecting, Attempt: 1}
	h.gw.mu.Unlock()

	h.in.events <- Utterance{Text: "anyone there"}
	s := h.waitSnapshot(t, "status", func(s Snapshot) bool { return s.Status != "" })
	if s.State != StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestStreamedResponse(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Hello"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	msg := func(text string) *protocol.ChatMessage {
		raw, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
		return &protocol.ChatMessage{Role: "assistant", Content: raw}
	}
	h.gw.chat(key, protocol.ChatEvent{RunID: "r1", State: protocol.ChatStateDelta, Message: msg("Hi ")})
	h.gw.chat(key, protocol.ChatEvent{RunID: "r1", State: protocol.ChatStateDelta, Message: msg("Hi there")})
	h.gw.chat(key, protocol.ChatEvent{RunID: "r1", State: protocol.ChatStateFinal, Message: msg("Hi there!")})

	s := h.waitSnapshot(t, "agent entry", func(s Snapshot) bool { return len(s.Entries) == 2 })
	if s.Entries[1].Role != RoleAgent || s.Entries[1].Text != "Hi there!" {
		t.Fatalf("agent entry = %+v", s.Entries[1])
	}
	if s.State != StateIdle {
		t.Errorf("state = %s, want idle", s.State)
	}
	buffered, flushes, _ := h.out.counts()
	if flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
	if len(buffered) != 1 || buffered[0] != "Hi there!" {
		t.Errorf("buffered = %q", buffered)
	}

	// A replayed final for the same run is ignored.
	h.gw.chat(key, protocol.ChatEvent{RunID: "r1", State: protocol.ChatStateFinal, Message: msg("Hi there!")})
	if n := len(h.snapshot(t).Entries); n != 2 {
		t.Errorf("entries after replay = %d", n)
	}
}

func TestStreamedResponse_SpeaksSentencesAsTheyComplete(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Tell me"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	str := func(s string) *protocol.ChatMessage {
		raw, _ := json.Marshal(s)
		return &protocol.ChatMessage{Role: "assistant", Content: raw}
	}
	h.gw.chat(key, protocol.ChatEvent{RunID: "r2", State: protocol.ChatStateDelta, Message: str("First one. Sec")})
	h.waitSnapshot(t, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	waitFor(t, "first sentence", func() bool { b, _, _ := h.out.counts(); return len(b) == 1 })

	h.gw.chat(key, protocol.ChatEvent{RunID: "r2", State: protocol.ChatStateDelta, Message: str("First one. Second one! Th")})
	h.gw.chat(key, protocol.ChatEvent{RunID: "r2", State: protocol.ChatStateFinal, Message: str("First one. Second one! The end")})
	h.waitSnapshot(t, "idle", func(s Snapshot) bool { return s.State == StateIdle })

	buffered, flushes, _ := h.out.counts()
	want := []string{"First one.", "Second one!", "The end"}
	if fmt.Sprint(buffered) != fmt.Sprint(want) || flushes != 1 {
		t.Errorf("buffered = %q flushes = %d", buffered, flushes)
	}
}

func TestSessionFiltering(t *testing.T) {
	tests := []struct {
		name       string
		eventKey   string
		wantAccept bool
	}{
		{"exact match", key, true},
		{"other session", "agent:main:discord:xyz", false},
		{"no session key", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.startConnected(t, key)
			before := h.snapshot(t)

			raw, _ := json.Marshal("Secret.")
			h.gw.chat(tt.eventKey, protocol.ChatEvent{RunID: "x", State: protocol.ChatStateFinal,
				Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})

			if tt.wantAccept {
				h.waitSnapshot(t, "entry", func(s Snapshot) bool { return len(s.Entries) == 1 })
				return
			}
			time.Sleep(30 * time.Millisecond)
			after := h.snapshot(t)
			if len(after.Entries) != 0 || after.State != before.State {
				t.Errorf("rejected event mutated state: %+v", after)
			}
			if b, f, _ := h.out.counts(); len(b) != 0 || f != 0 {
				t.Errorf("rejected event reached speech output: %q %d", b, f)
			}
		})
	}
}

func TestLegacyAgentEventIsStatusOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)

	h.gw.events <- gateway.MessageEvent{Name: protocol.EventAgent,
		Payload: json.RawMessage(`{"runId":"r","stream":"tool","data":{"name":"web_search"}}`)}
	s := h.waitSnapshot(t, "status", func(s Snapshot) bool { return s.Status == "running web_search" })
	if len(s.Entries) != 0 {
		t.Errorf("agent event produced entries: %+v", s.Entries)
	}
	if b, _, _ := h.out.counts(); len(b) != 0 {
		t.Errorf("agent event produced speech: %q", b)
	}

	h.gw.events <- gateway.MessageEvent{Name: protocol.EventAgent, SessionKey: "agent:main:other",
		Payload: json.RawMessage(`{"runId":"r","sessionKey":"agent:main:other","data":{"phase":"elsewhere"}}`)}
	time.Sleep(30 * time.Millisecond)
	if st := h.snapshot(t).Status; st != "running web_search" {
		t.Errorf("foreign agent event changed status to %q", st)
	}
}

func TestStopConversation_FlushesPendingOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.mu.Lock()
	h.in.pending = "turn on the lights"
	h.in.mu.Unlock()

	if err := h.c.StopConversation(); err != nil {
		t.Fatal(err)
	}
	first := h.snapshot(t)
	if err := h.c.StopConversation(); err != nil {
		t.Fatal(err)
	}
	second := h.snapshot(t)

	got := h.gw.transcripts()
	if len(got) != 1 || got[0].Text != "turn on the lights" {
		t.Fatalf("transcripts = %+v", got)
	}
	if first.State != StateIdle || first.ConversationActive || first.ConversationMode {
		t.Errorf("after stop: %+v", first)
	}
	if len(first.Entries) != len(second.Entries) || first.State != second.State ||
		first.ConversationActive != second.ConversationActive {
		t.Errorf("second stop changed state: %+v vs %+v", first, second)
	}
	if h.in.stops.Load() != 1 {
		t.Errorf("StopCapture calls = %d", h.in.stops.Load())
	}
}

func TestStopConversation_IgnoresShortPending(t *testing.T) {
	h := newHarness(t, Config{MinFlushRunes: 3})
	h.startConnected(t, key)
	h.in.mu.Lock()
	h.in.pending = "uh"
	h.in.mu.Unlock()
	_ = h.c.StopConversation()
	if got := h.gw.transcripts(); len(got) != 0 {
		t.Errorf("short pending transcript was sent: %+v", got)
	}
}

func TestLateResponseAfterStopIsShownNotSpoken(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "What time is it"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })
	_ = h.c.StopConversation()

	raw, _ := json.Marshal("It is noon.")
	h.gw.chat(key, protocol.ChatEvent{RunID: "late", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	s := h.waitSnapshot(t, "late entry", func(s Snapshot) bool { return len(s.Entries) == 2 })
	if s.Entries[1].Text != "It is noon." {
		t.Errorf("entry = %+v", s.Entries[1])
	}
	if b, f, _ := h.out.counts(); len(b) != 0 || f != 0 {
		t.Errorf("late response was spoken: %q flushes=%d", b, f)
	}
}

// finishSpokenTurn runs one utterance/response cycle and reports playback
// done, which schedules a mic restart.
func finishSpokenTurn(t *testing.T, h *harness, waitPending bool) {
	t.Helper()
	h.in.events <- Utterance{Text: "Hi"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })
	raw, _ := json.Marshal("Hello.")
	h.gw.chat(key, protocol.ChatEvent{RunID: "t1", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "idle", func(s Snapshot) bool { return s.State == StateIdle && len(s.Entries) == 2 })
	h.out.events <- OutputSpeaking
	h.out.events <- OutputIdle
	if waitPending {
		h.waitSnapshot(t, "restart scheduled", func(s Snapshot) bool { return s.MicRestartPending })
	}
}

func TestMicRestartAfterSpeech(t *testing.T) {
	h := newHarness(t, Config{MicRestartDelay: 40 * time.Millisecond})
	h.startConnected(t, key)
	starts := h.in.starts.Load()
	finishSpokenTurn(t, h, false)
	waitFor(t, "capture restart", func() bool { return h.in.starts.Load() == starts+1 })
	h.waitSnapshot(t, "listening", func(s Snapshot) bool { return s.State == StateListening && !s.MicRestartPending })
}

func TestMicRestartCancelledByStop(t *testing.T) {
	h := newHarness(t, Config{MicRestartDelay: 300 * time.Millisecond})
	h.startConnected(t, key)
	starts := h.in.starts.Load()
	finishSpokenTurn(t, h, true)

	if err := h.c.StopConversation(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if got := h.in.starts.Load(); got != starts {
		t.Errorf("capture resumed after stop: starts %d -> %d", starts, got)
	}
	if h.snapshot(t).MicRestartPending {
		t.Error("restart still pending after stop")
	}
}

func TestMicRestartCancelledByModeOff(t *testing.T) {
	h := newHarness(t, Config{MicRestartDelay: 300 * time.Millisecond})
	h.startConnected(t, key)
	starts := h.in.starts.Load()
	finishSpokenTurn(t, h, true)

	mode, err := h.c.ToggleConversationMode()
	if err != nil || mode {
		t.Fatalf("toggle = %v, %v", mode, err)
	}
	time.Sleep(500 * time.Millisecond)
	if got := h.in.starts.Load(); got != starts {
		t.Errorf("capture resumed after mode off: starts %d -> %d", starts, got)
	}

	// Turning it back on while idle resumes capture immediately.
	mode, _ = h.c.ToggleConversationMode()
	if !mode || h.in.starts.Load() != starts+1 {
		t.Errorf("mode on: mode=%v starts=%d", mode, h.in.starts.Load())
	}
}

func TestToggleConversationMode_Inactive(t *testing.T) {
	h := newHarness(t, Config{})
	mode, err := h.c.ToggleConversationMode()
	if err != nil || mode {
		t.Fatalf("toggle while inactive = %v, %v", mode, err)
	}
	if h.in.starts.Load() != 0 || h.in.stops.Load() != 0 {
		t.Error("toggle while inactive touched capture")
	}
}

func TestToggleOffWhileListening(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	if s := h.snapshot(t); s.State != StateListening {
		t.Fatalf("state = %s", s.State)
	}
	_, _ = h.c.ToggleConversationMode()
	if s := h.snapshot(t); s.State != StateIdle || s.ConversationMode {
		t.Errorf("after toggle off: %+v", s)
	}
}

func TestTalkOverInterruptsSpeech(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Tell a story"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	raw, _ := json.Marshal("Once upon a time. There was")
	h.gw.chat(key, protocol.ChatEvent{RunID: "story", State: protocol.ChatStateDelta,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	h.out.events <- OutputSpeaking

	h.in.events <- Utterance{Text: "Stop"}
	s := h.waitSnapshot(t, "second utterance", func(s Snapshot) bool { return len(s.Entries) == 2 })
	if s.State != StateProcessing {
		t.Errorf("state = %s", s.State)
	}
	_, _, interrupts := h.out.counts()
	if interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", interrupts)
	}

	// The rest of the interrupted run is never spoken.
	raw, _ = json.Marshal("Once upon a time. There was a dragon.")
	h.gw.chat(key, protocol.ChatEvent{RunID: "story", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "story logged", func(s Snapshot) bool { return len(s.Entries) == 3 })
	buffered, flushes, _ := h.out.counts()
	if len(buffered) != 1 || flushes != 0 {
		t.Errorf("interrupted run spoken: %q flushes=%d", buffered, flushes)
	}
	if st := h.snapshot(t).State; st != StateProcessing {
		t.Errorf("interrupted run's final changed state to %s", st)
	}
}

func TestNewResponseCancelsMicRestart(t *testing.T) {
	h := newHarness(t, Config{MicRestartDelay: 200 * time.Millisecond})
	h.startConnected(t, key)
	starts := h.in.starts.Load()
	finishSpokenTurn(t, h, true)

	raw, _ := json.Marshal("Next one. More")
	h.gw.chat(key, protocol.ChatEvent{RunID: "t2", State: protocol.ChatStateDelta,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	h.out.events <- OutputSpeaking
	time.Sleep(400 * time.Millisecond)

	s := h.snapshot(t)
	if got := h.in.starts.Load(); got != starts {
		t.Errorf("capture restarted over speech: starts %d -> %d", starts, got)
	}
	if s.State != StateSpeaking || s.MicRestartPending {
		t.Errorf("state = %s, restart pending = %v", s.State, s.MicRestartPending)
	}

	raw, _ = json.Marshal("Next one. More.")
	h.gw.chat(key, protocol.ChatEvent{RunID: "t2", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "t2 logged", func(s Snapshot) bool { return len(s.Entries) == 3 })
	h.out.events <- OutputIdle
	waitFor(t, "capture restart", func() bool { return h.in.starts.Load() == starts+1 })
}

func TestRestartOnSameSessionDoesNotRepeatSpokenSentences(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Tell a story"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	raw, _ := json.Marshal("Once upon a time. There")
	h.gw.chat(key, protocol.ChatEvent{RunID: "story", State: protocol.ChatStateDelta,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	if err := h.c.StopConversation(); err != nil {
		t.Fatal(err)
	}
	h.startConnected(t, key)

	text := "Once upon a time. There was a dragon. The"
	raw, _ = json.Marshal(text)
	h.gw.chat(key, protocol.ChatEvent{RunID: "story", State: protocol.ChatStateDelta,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "partial shown", func(s Snapshot) bool { return s.PartialResponse == text })

	raw, _ = json.Marshal("Once upon a time. There was a dragon. The end.")
	h.gw.chat(key, protocol.ChatEvent{RunID: "story", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	s := h.waitSnapshot(t, "story logged", func(s Snapshot) bool { return len(s.Entries) == 2 })
	if s.PartialResponse != "" {
		t.Errorf("partial = %q", s.PartialResponse)
	}
	buffered, flushes, _ := h.out.counts()
	if len(buffered) != 1 || buffered[0] != "Once upon a time." || flushes != 0 {
		t.Errorf("buffered = %q flushes=%d", buffered, flushes)
	}
}

func TestSwitchingSessionUnsubscribesOldKey(t *testing.T) {
	const other = "agent:main:main:def"
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	_ = h.c.StopConversation()
	if n := h.gw.sentCount(protocol.NodeEventChatUnsubscribe); n != 0 {
		t.Fatalf("stop unsubscribed %d times; in-flight replies would be lost", n)
	}

	// Resuming the same session keeps the subscription.
	h.startConnected(t, key)
	_ = h.c.StopConversation()
	if n := h.gw.sentCount(protocol.NodeEventChatUnsubscribe); n != 0 {
		t.Fatalf("same-key restart unsubscribed %d times", n)
	}

	h.startConnected(t, other)
	if got := h.gw.sentKeys(protocol.NodeEventChatUnsubscribe); len(got) != 1 || got[0] != key {
		t.Errorf("unsubscribed = %q, want [%s]", got, key)
	}
	subs := h.gw.sentKeys(protocol.NodeEventChatSubscribe)
	if len(subs) == 0 || subs[len(subs)-1] != other {
		t.Errorf("subscribed = %q", subs)
	}
}

func TestRewrittenResponseKeepsUnspokenTail(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Count"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	for _, text := range []string{"One. Two. Thr", "Uno. Two. Three. Four"} {
		raw, _ := json.Marshal(text)
		h.gw.chat(key, protocol.ChatEvent{RunID: "count", State: protocol.ChatStateDelta,
			Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
		h.waitSnapshot(t, "delta", func(s Snapshot) bool { return s.PartialResponse == text })
	}
	raw, _ := json.Marshal("Uno. Two. Three. Four")
	h.gw.chat(key, protocol.ChatEvent{RunID: "count", State: protocol.ChatStateFinal,
		Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
	h.waitSnapshot(t, "final", func(s Snapshot) bool { return len(s.Entries) == 2 })

	buffered, _, _ := h.out.counts()
	want := []string{"One.", "Two.", "Three.", "Four"}
	if fmt.Sprint(buffered) != fmt.Sprint(want) {
		t.Errorf("buffered = %q, want %q", buffered, want)
	}
}

func TestRewriteThatShortensSpokenTextResumesAtSentenceBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Count"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })

	for _, text := range []string{"One. Two. Thr", "One. Tw", "One. Twenty. Three"} {
		raw, _ := json.Marshal(text)
		h.gw.chat(key, protocol.ChatEvent{RunID: "count", State: protocol.ChatStateDelta,
			Message: &protocol.ChatMessage{Role: "assistant", Content: raw}})
		h.waitSnapshot(t, "delta", func(s Snapshot) bool { return s.PartialResponse == text })
	}
	buffered, _, _ := h.out.counts()
	want := []string{"One.", "Two.", "Twenty."}
	if fmt.Sprint(buffered) != fmt.Sprint(want) {
		t.Errorf("buffered = %q, want %q", buffered, want)
	}
}

func TestRefreshSessionsReturnsRows(t *testing.T) {
	h := newHarness(t, Config{})
	rows, err := h.c.RefreshSessions(context.Background())
	if err != nil || len(rows) != 1 || rows[0].Key != "agent:main:main" {
		t.Fatalf("RefreshSessions = %+v, %v", rows, err)
	}
	if s := h.snapshot(t); len(s.Sessions) != 1 {
		t.Errorf("snapshot sessions = %+v", s.Sessions)
	}
}

func TestRefreshSessionsWithoutLister(t *testing.T) {
	c := New(Config{}, newFakeGateway(), nil, newFakeInput(), newFakeOutput())
	if _, err := c.RefreshSessions(context.Background()); !errors.Is(err, ErrNoSessionLister) {
		t.Errorf("RefreshSessions = %v", err)
	}
}

func TestTokenNotPersistedSurfaced(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.events <- gateway.ErrorEvent{Err: fmt.Errorf("%w: keychain locked", gateway.ErrTokenNotPersisted)}
	h.waitSnapshot(t, "status", func(s Snapshot) bool {
		return s.Status == "Pairing token could not be saved: the next connection will need pairing again"
	})
}

func TestPairingRequiredSurfaced(t *testing.T) {
	h := newHarness(t, Config{})
	h.gw.events <- gateway.ErrorEvent{Err: &gateway.ChallengeFailedError{
		Reason: gateway.ReasonPairingRequired, RequestID: "req-9"}}
	s := h.waitSnapshot(t, "pairing", func(s Snapshot) bool { return s.PairingRequired })
	if s.PairingRequestID != "req-9" {
		t.Errorf("request id = %q", s.PairingRequestID)
	}
	h.gw.connected()
	h.waitSnapshot(t, "pairing cleared", func(s Snapshot) bool { return !s.PairingRequired })
}

func TestRunErrorSpeaksApology(t *testing.T) {
	h := newHarness(t, Config{})
	h.startConnected(t, key)
	h.in.events <- Utterance{Text: "Hi"}
	h.waitSnapshot(t, "processing", func(s Snapshot) bool { return s.State == StateProcessing })
	h.gw.chat(key, protocol.ChatEvent{RunID: "bad", State: protocol.ChatStateError, ErrorMessage: "model overloaded"})
	s := h.waitSnapshot(t, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	if s.Status != "Agent: model overloaded" {
		t.Errorf("status = %q", s.Status)
	}
	h.out.mu.Lock()
	spoken := len(h.out.spoken)
	h.out.mu.Unlock()
	if spoken != 1 {
		t.Errorf("spoken = %d", spoken)
	}
}

func TestCallsAfterRunReturn(t *testing.T) {
	gw, in, out := newFakeGateway(), newFakeInput(), newFakeOutput()
	c := New(Config{}, gw, nil, in, out)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if err := c.StopConversation(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StopConversation after Run = %v", err)
	}
}
