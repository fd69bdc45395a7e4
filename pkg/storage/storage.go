// Package storage persists fetched article content, metadata, comments,
// and embedded resources in a local badger database. Saved blobs are the
// dedup source of truth: anything already present is never fetched again.
package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"artex/pkg/logger"
)

// ErrNotFound is returned when a requested blob does not exist
var ErrNotFound = errors.New("storage: not found")

// Key prefixes per blob kind
const (
	prefixArticle  = "article:"
	prefixMeta     = "meta:"
	prefixComments = "comments:"
	prefixResource = "resource:"
)

// Store is a badger-backed blob store
type Store struct {
	db     *badger.DB
	log    logger.Logger
	ownsDB bool
}

// Open opens (or creates) the store at the given directory
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Silence default logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	return &Store{db: db, log: log, ownsDB: true}, nil
}

// NewWithDB wraps an already-open badger database
func NewWithDB(db *badger.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{db: db, log: log}
}

// Close closes the underlying database if this store opened it
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying badger database so other components can share it
func (s *Store) DB() *badger.DB {
	return s.db
}

// Persist routes a fetched blob to its keyspace by kind. Kind values match
// the fetch pipeline's job kinds.
func (s *Store) Persist(kind, key string, data []byte) error {
	switch kind {
	case "content":
		return s.SaveArticle(key, data)
	case "metadata":
		return s.SaveMetadata(key, data)
	case "comments":
		return s.SaveComments(key, data)
	case "resource":
		return s.SaveResource(key, data)
	default:
		return fmt.Errorf("storage: unknown blob kind %q", kind)
	}
}

// Has reports whether a blob of the given kind is already stored
func (s *Store) Has(kind, key string) bool {
	switch kind {
	case "content":
		return s.HasArticle(key)
	case "metadata":
		return s.HasMetadata(key)
	case "comments":
		return s.HasComments(key)
	case "resource":
		return s.HasResource(key)
	default:
		return false
	}
}

// SaveArticle stores an article's HTML content
func (s *Store) SaveArticle(articleID string, html []byte) error {
	return s.set(prefixArticle+articleID, html)
}

// Article returns an article's HTML content
func (s *Store) Article(articleID string) ([]byte, error) {
	return s.get(prefixArticle + articleID)
}

// HasArticle reports whether the article content is already stored
func (s *Store) HasArticle(articleID string) bool {
	return s.has(prefixArticle + articleID)
}

// SaveMetadata stores an article's metadata JSON
func (s *Store) SaveMetadata(articleID string, data []byte) error {
	return s.set(prefixMeta+articleID, data)
}

// Metadata returns an article's metadata JSON
func (s *Store) Metadata(articleID string) ([]byte, error) {
	return s.get(prefixMeta + articleID)
}

// HasMetadata reports whether the article metadata is already stored
func (s *Store) HasMetadata(articleID string) bool {
	return s.has(prefixMeta + articleID)
}

// SaveComments stores an article's comments JSON
func (s *Store) SaveComments(articleID string, data []byte) error {
	return s.set(prefixComments+articleID, data)
}

// Comments returns an article's comments JSON
func (s *Store) Comments(articleID string) ([]byte, error) {
	return s.get(prefixComments + articleID)
}

// HasComments reports whether the article comments are already stored
func (s *Store) HasComments(articleID string) bool {
	return s.has(prefixComments + articleID)
}

// SaveResource stores an embedded resource blob under its local key
func (s *Store) SaveResource(localKey string, data []byte) error {
	return s.set(prefixResource+localKey, data)
}

// Resource returns an embedded resource blob
func (s *Store) Resource(localKey string) ([]byte, error) {
	return s.get(prefixResource + localKey)
}

// HasResource reports whether the resource is already stored
func (s *Store) HasResource(localKey string) bool {
	return s.has(prefixResource + localKey)
}

func (s *Store) set(key string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	s.log.DebugWithFields("blob stored", map[string]interface{}{
		"key":  key,
		"size": len(data),
	})
	return nil
}

func (s *Store) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) has(key string) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	return err == nil
}
