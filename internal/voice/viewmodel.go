package voice

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

// State is the coordinator's conversation state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	}
	return "idle"
}

// Role identifies who said a conversation entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Entry is one completed conversation turn. Entries are never modified.
type Entry struct {
	Role Role
	Text string
	At   time.Time
}

// Snapshot is a point-in-time copy of everything a UI renders.
type Snapshot struct {
	State              State
	ConversationActive bool
	ConversationMode   bool
	SessionKey         string
	Connection         string
	MicRestartPending  bool

	Entries           []Entry
	PartialTranscript string
	PartialResponse   string
	Status            string

	PairingRequired  bool
	PairingRequestID string

	Sessions []protocol.SessionRow
}

// ViewModel holds the UI-facing state. The coordinator is its only writer;
// readers take snapshots from any goroutine.
type ViewModel struct {
	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}
}

func NewViewModel() *ViewModel {
	return &ViewModel{
		snap:    Snapshot{Connection: "disconnected"},
		changed: make(chan struct{}, 1),
	}
}

// Changes signals after updates. Signals coalesce; read a Snapshot after each.
func (v *ViewModel) Changes() <-chan struct{} { return v.changed }

// Snapshot returns a copy safe to keep.
func (v *ViewModel) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.snap
	s.Entries = append([]Entry(nil), v.snap.Entries...)
	s.Sessions = append([]protocol.SessionRow(nil), v.snap.Sessions...)
	return s
}

func (v *ViewModel) update(fn func(*Snapshot)) {
	v.mu.Lock()
	fn(&v.snap)
	v.mu.Unlock()
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

func (v *ViewModel) append(role Role, text string) {
	v.update(func(s *Snapshot) {
		s.Entries = append(s.Entries, Entry{Role: role, Text: text, At: time.Now()})
	})
}

func (v *ViewModel) setStatus(text string) {
	v.update(func(s *Snapshot) { s.Status = text })
}
