// Package fetch implements the bounded concurrent fetch pipeline. Jobs
// are grouped into batches, dispatched to a fixed worker pool, retried
// on transient failures, and persisted through a storage sink. A session
// rejection pauses all dispatch for the affected credential until it is
// refreshed.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"artex/pkg/proxy"
	"artex/pkg/retry"
)

// Kind identifies what a job fetches
type Kind string

const (
	KindContent  Kind = "content"
	KindMetadata Kind = "metadata"
	KindComments Kind = "comments"
	KindResource Kind = "resource"
)

// Authenticated reports whether jobs of this kind carry session headers.
// Resource hosts are third parties and never see the platform session.
func (k Kind) Authenticated() bool {
	return k != KindResource
}

// EventType identifies a job lifecycle event
type EventType string

const (
	EventQueued         EventType = "queued"
	EventStarted        EventType = "started"
	EventSucceeded      EventType = "succeeded"
	EventFailed         EventType = "failed"
	EventDiscarded      EventType = "discarded"
	EventSessionExpired EventType = "session_expired"
)

// Event is a job lifecycle notification delivered to batch subscribers
type Event struct {
	Type     EventType
	JobID    uuid.UUID
	Kind     Kind
	StoreKey string
	Attempt  int
	Err      error
}

// Job describes one fetch task
type Job struct {
	ID       uuid.UUID
	BatchID  uuid.UUID
	AuthKey  string
	URL      string
	Kind     Kind
	StoreKey string
}

// Failure pairs a job with its terminal error
type Failure struct {
	Job Job
	Err error
}

// Fetcher performs HTTP fetches, optionally through an egress route
type Fetcher interface {
	Fetch(ctx context.Context, url string, hdr http.Header) ([]byte, error)
	FetchVia(ctx context.Context, url string, route proxy.Route, hdr http.Header) ([]byte, error)
}

// CredentialSource resolves session headers for an auth key
type CredentialSource interface {
	CookieHeader(authKey string) (string, error)
	Token(authKey string) (string, error)
}

// Sink persists fetched blobs and answers dedup checks
type Sink interface {
	Persist(kind, key string, data []byte) error
	Has(kind, key string) bool
}

// Config holds fetch queue configuration
type Config struct {
	// Workers is the fixed worker count and concurrency ceiling
	Workers int
	// MaxAttempts per job before it fails terminally
	MaxAttempts int
	// AttemptTimeout bounds a single fetch attempt
	AttemptTimeout time.Duration
	// Backoff strategy between attempts
	Backoff retry.BackoffStrategy
}

// DefaultConfig returns a fetch configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		Backoff:        retry.DefaultExponentialBackoff(),
	}
}

// Errors
var (
	ErrQueueStopped   = errors.New("fetch queue is stopped")
	ErrBatchSealed    = errors.New("batch is sealed, no more jobs accepted")
	ErrBatchCanceled  = errors.New("batch canceled")
	ErrSessionExpired = errors.New("session expired, fetching paused for credential")
)
