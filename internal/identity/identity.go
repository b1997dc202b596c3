// Package identity owns the node's Ed25519 device identity and pairing token.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawnode/internal/secrets"
)

// ErrNoIdentity is returned by Sign before EnsureIdentity has succeeded.
var ErrNoIdentity = errors.New("device identity not initialized")

const storedIdentityVersion = 1

// DeviceIdentity is the public half of the node identity.
type DeviceIdentity struct {
	NodeID    string
	PublicKey ed25519.PublicKey
}

// PublicKeyBase64URL returns the raw public key as unpadded base64url.
func (d DeviceIdentity) PublicKeyBase64URL() string {
	return base64.RawURLEncoding.EncodeToString(d.PublicKey)
}

// ChallengeSignature answers one connect.challenge.
type ChallengeSignature struct {
	Signature  []byte
	SignedAtMs int64
}

// Base64URL returns the signature as unpadded base64url, as sent on the wire.
func (s ChallengeSignature) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(s.Signature)
}

type storedIdentity struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	PrivateSeed string `json:"privateSeed"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Manager loads, creates and uses the device identity. All operations are
// serialized on its mutex.
type Manager struct {
	mu    sync.Mutex
	store secrets.Store
	now   func() time.Time

	id   *DeviceIdentity
	priv ed25519.PrivateKey
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store secrets.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NodeID derives the node id from a raw public key.
func NodeID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// EnsureIdentity returns the persisted identity, creating one on first use.
// An existing identity is never replaced.
func (m *Manager) EnsureIdentity() (DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id != nil {
		return *m.id, nil
	}

	raw, err := m.store.Get(secrets.KeyDeviceIdentity)
	switch {
	case err == nil:
		if err := m.loadLocked(raw); err != nil {
			return DeviceIdentity{}, err
		}
		return *m.id, nil
	case !errors.Is(err, secrets.ErrNotFound):
		return DeviceIdentity{}, fmt.Errorf("load device identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("generate device key: %w", err)
	}
	id := DeviceIdentity{NodeID: NodeID(pub), PublicKey: pub}
	data, err := json.Marshal(storedIdentity{
		Version:     storedIdentityVersion,
		DeviceID:    id.NodeID,
		PublicKey:   id.PublicKeyBase64URL(),
		PrivateSeed: base64.RawURLEncoding.EncodeToString(priv.Seed()),
		CreatedAtMs: m.now().UnixMilli(),
	})
	if err != nil {
		return DeviceIdentity{}, err
	}
	if err := m.store.Set(secrets.KeyDeviceIdentity, string(data)); err != nil {
		return DeviceIdentity{}, fmt.Errorf("persist device identity: %w", err)
	}
	m.id, m.priv = &id, priv
	slog.Info("identity.created", "node_id", id.NodeID)
	return id, nil
}

func (m *Manager) loadLocked(raw string) error {
	var st storedIdentity
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return fmt.Errorf("decode device identity: %w", err)
	}
	seed, err := base64.RawURLEncoding.DecodeString(st.PrivateSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return fmt.Errorf("decode device identity: bad private key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	id := DeviceIdentity{NodeID: NodeID(pub), PublicKey: pub}
	if st.DeviceID != id.NodeID {
		// The key is authoritative; the stored id is only a cache of it.
		slog.Warn("identity.repaired", "stored", st.DeviceID, "derived", id.NodeID)
		st.DeviceID = id.NodeID
		st.PublicKey = id.PublicKeyBase64URL()
		if data, err := json.Marshal(st); err == nil {
			if err := m.store.Set(secrets.KeyDeviceIdentity, string(data)); err != nil {
				slog.Warn("identity.repair_persist_failed", "error", err)
			}
		}
	}
	m.id, m.priv = &id, priv
	return nil
}

// Identity returns the persisted identity without creating one.
func (m *Manager) Identity() (DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id != nil {
		return *m.id, nil
	}
	raw, err := m.store.Get(secrets.KeyDeviceIdentity)
	if errors.Is(err, secrets.ErrNotFound) {
		return DeviceIdentity{}, ErrNoIdentity
	}
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("load device identity: %w", err)
	}
	if err := m.loadLocked(raw); err != nil {
		return DeviceIdentity{}, err
	}
	return *m.id, nil
}

// Sign signs the v3 auth payload for nonce with the device key.
func (m *Manager) Sign(nonce string, ac AuthContext) (ChallengeSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == nil {
		return ChallengeSignature{}, ErrNoIdentity
	}
	signedAt := m.now().UnixMilli()
	payload := BuildAuthPayload(m.id.NodeID, nonce, signedAt, ac)
	return ChallengeSignature{
		Signature:  ed25519.Sign(m.priv, []byte(payload)),
		SignedAtMs: signedAt,
	}, nil
}

// Token returns the stored pairing token, or "" when the device is unpaired.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, err := m.store.Get(secrets.KeyDeviceToken)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			slog.Warn("identity.token_read_failed", "error", err)
		}
		return ""
	}
	return tok
}

// SetToken stores the pairing token issued by the gateway. An empty token
// removes the stored one.
func (m *Manager) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		return m.store.Delete(secrets.KeyDeviceToken)
	}
	if err := m.store.Set(secrets.KeyDeviceToken, token); err != nil {
		return fmt.Errorf("persist pairing token: %w", err)
	}
	return nil
}

// Paired reports whether a pairing token is stored.
func (m *Manager) Paired() bool {
	return m.Token() != ""
}

// Clear wipes the key material and pairing token. The next EnsureIdentity
// creates a new identity.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(secrets.KeyDeviceIdentity); err != nil {
		return fmt.Errorf("delete device identity: %w", err)
	}
	if err := m.store.Delete(secrets.KeyDeviceToken); err != nil {
		return fmt.Errorf("delete pairing token: %w", err)
	}
	m.id, m.priv = nil, nil
	slog.Info("identity.cleared")
	return nil
}

// VerifySignature checks sig over payload with a base64url public key.
func VerifySignature(publicKeyB64URL, payload string, sig []byte) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKeyB64URL)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig)
}
