package kvstore

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerKV implements KV on top of a badger database. Multiple BadgerKV
// instances can share one database through distinct key prefixes.
type BadgerKV struct {
	db     *badger.DB
	prefix []byte
	ownsDB bool
}

// OpenBadger opens a badger database at path and returns a KV over it
func OpenBadger(path, prefix string) (*BadgerKV, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Silence default logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerKV{db: db, prefix: []byte(prefix), ownsDB: true}, nil
}

// NewBadgerKV wraps an already-open badger database
func NewBadgerKV(db *badger.DB, prefix string) *BadgerKV {
	return &BadgerKV{db: db, prefix: []byte(prefix)}
}

// Close closes the underlying database if this KV opened it
func (b *BadgerKV) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

func (b *BadgerKV) key(key string) []byte {
	return append(append([]byte{}, b.prefix...), []byte(key)...)
}

// Get returns the value for key
func (b *BadgerKV) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores the value under key
func (b *BadgerKV) Set(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), value)
	})
}

// Delete removes the value for key
func (b *BadgerKV) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
}
