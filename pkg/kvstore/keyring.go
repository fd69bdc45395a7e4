package kvstore

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const defaultKeyringService = "artex"

// KeyringKV implements KV on the system keychain. Values are stored as
// keychain secrets, which keeps session cookies off disk entirely.
type KeyringKV struct {
	service string
}

// NewKeyringKV creates a keychain-backed KV and probes that the keychain is
// actually usable on this system.
func NewKeyringKV(service string) (*KeyringKV, error) {
	if service == "" {
		service = defaultKeyringService
	}

	// Probe availability: headless systems often have no keychain daemon.
	probe := service + "-probe"
	if err := keyring.Set(probe, "probe", "probe"); err != nil {
		return nil, err
	}
	_ = keyring.Delete(probe, "probe")

	return &KeyringKV{service: service}, nil
}

// Get returns the value for key
func (k *KeyringKV) Get(key string) ([]byte, error) {
	secret, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// Set stores the value under key
func (k *KeyringKV) Set(key string, value []byte) error {
	return keyring.Set(k.service, key, string(value))
}

// Delete removes the value for key
func (k *KeyringKV) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
