package kvstore

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Fallback is a composite KV that tries a chain of backends in order.
// Writes go to the first backend that accepts them, reads return the
// first hit, deletes are applied everywhere.
type Fallback struct {
	backends []KV
}

// NewFallback creates a composite over the given backends, tried in order
func NewFallback(backends ...KV) *Fallback {
	return &Fallback{backends: backends}
}

// NewDefaultFallback builds the standard backend chain: system keychain
// when available, encrypted file otherwise.
func NewDefaultFallback() (*Fallback, error) {
	var backends []KV

	// Try keychain first
	if keyringKV, err := NewKeyringKV(""); err == nil {
		backends = append(backends, keyringKV)
	}

	// Always add the encrypted file as fallback
	configDir, err := ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	encryptedKV, err := NewEncryptedFileKV(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	backends = append(backends, encryptedKV)

	return &Fallback{backends: backends}, nil
}

// Get returns the value from the first backend that has it
func (f *Fallback) Get(key string) ([]byte, error) {
	var lastErr error
	for _, backend := range f.backends {
		value, err := backend.Get(key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrKeyNotFound
}

// Set stores the value in the first backend that accepts it
func (f *Fallback) Set(key string, value []byte) error {
	if len(f.backends) == 0 {
		return errors.New("no available backends")
	}

	var lastErr error
	for _, backend := range f.backends {
		if err := backend.Set(key, value); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("failed to store value: %w", lastErr)
}

// Delete removes the value from every backend
func (f *Fallback) Delete(key string) error {
	var lastErr error
	for _, backend := range f.backends {
		if err := backend.Delete(key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
