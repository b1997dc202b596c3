// Package secrets stores the node's key material and pairing token.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Keys used by the node.
const (
	KeyDeviceIdentity = "device.identity"
	KeyDeviceToken    = "device.token"
	KeyLastGatewayURL = "gateway.lastUrl"
)

// Backend names accepted by Open.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("secret not found")

// Store is a small secure key/value store.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string // keyring (default), file, memory
	Service    string // keyring service name
	Dir        string // directory of the file vault
	Passphrase string // file vault passphrase
}

// Open returns the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendKeyring:
		return NewKeyringStore(opts.Service), nil
	case BackendFile:
		if opts.Passphrase == "" {
			return nil, fmt.Errorf("file secret store requires a passphrase")
		}
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, fmt.Errorf("create secrets dir: %w", err)
		}
		return NewFileStore(filepath.Join(opts.Dir, "secrets.json"), opts.Passphrase), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown secret store backend %q", opts.Backend)
}
