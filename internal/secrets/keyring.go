package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keychain service the node registers its items under.
const DefaultService = "clawnode"

// KeyringStore keeps secrets in the OS keychain.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Get(key string) (string, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *KeyringStore) Set(key, value string) error {
	return keyring.Set(s.service, key, value)
}

func (s *KeyringStore) Delete(key string) error {
	err := keyring.Delete(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
