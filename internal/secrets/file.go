package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const vaultFormatVersion = 1

// ErrWrongPassphrase is returned when the vault cannot be opened.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted secret vault")

// vault is the on-disk JSON envelope.
type vault struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// FileStore keeps all secrets in one passphrase-sealed file. It is the fallback
// for hosts without a usable keychain (headless Linux, containers).
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string

	// scrypt cost parameters used when sealing.
	n, r, p int
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase, n: 1 << 15, r: 8, p: 1}
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	data[key] = value
	return s.save(data)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	return s.save(data)
}

// load reads and opens the vault; a missing file is an empty vault.
func (s *FileStore) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret vault: %w", err)
	}
	var v vault
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse secret vault: %w", err)
	}
	if v.V > vaultFormatVersion {
		return nil, fmt.Errorf("unsupported secret vault version %d", v.V)
	}
	key, err := scrypt.Key([]byte(s.passphrase), v.Salt, v.N, v.R, v.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, v.Nonce, v.Cipher, v.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	data := make(map[string]string)
	if err := json.Unmarshal(pt, &data); err != nil {
		return nil, fmt.Errorf("decode secret vault: %w", err)
	}
	return data, nil
}

// save seals data under a fresh salt and nonce and replaces the file atomically.
func (s *FileStore) save(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := scrypt.Key([]byte(s.passphrase), salt, s.n, s.r, s.p, chacha20poly1305.KeySize)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	b, err := json.MarshalIndent(vault{
		V:      vaultFormatVersion,
		Salt:   salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, salt),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("write secret vault: %w", err)
	}
	return os.Rename(tmp, s.path)
}
