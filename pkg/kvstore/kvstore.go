// Package kvstore provides the durable key-value backends the credential
// store persists to. All backends share one small get/set/delete contract.
package kvstore

import "errors"

// ErrKeyNotFound is returned by Get when no value exists for the key
var ErrKeyNotFound = errors.New("kvstore: key not found")

// KV is the durable key-value backend contract
type KV interface {
	// Get returns the value for key, or ErrKeyNotFound
	Get(key string) ([]byte, error)

	// Set stores the value under key
	Set(key string, value []byte) error

	// Delete removes the value for key. Deleting a missing key is not an error.
	Delete(key string) error
}
