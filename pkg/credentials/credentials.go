// Package credentials manages per-user session material: a bearer token
// plus a cookie jar, cached in memory and persisted to a durable backend.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"artex/pkg/cookies"
	"artex/pkg/kvstore"
	"artex/pkg/logger"
)

// Credential holds the session material for one account
type Credential struct {
	Token     string       `json:"token,omitempty"`
	Cookies   *cookies.Jar `json:"cookies,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Expired reports whether any cookie in the credential has passed its
// expiry. One expired cookie invalidates the whole credential.
func (c *Credential) Expired(now time.Time) bool {
	if c.Cookies == nil {
		return false
	}
	return c.Cookies.Expired(now)
}

// CookieHeader renders the credential's cookies as a Cookie header value
func (c *Credential) CookieHeader() string {
	if c.Cookies == nil {
		return ""
	}
	return c.Cookies.Render()
}

// Store is a two-tier credential store: a memory cache in front of a
// durable key-value backend. The memory tier is authoritative while the
// process runs; the backend survives restarts.
type Store struct {
	mu  sync.RWMutex
	mem map[string]*Credential
	kv  kvstore.KV
	log logger.Logger
	now func() time.Time
}

// NewStore creates a credential store over the given durable backend
func NewStore(kv kvstore.KV, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{
		mem: make(map[string]*Credential),
		kv:  kv,
		log: log,
		now: time.Now,
	}
}

// Put replaces the credential for authKey. Cookie lines are raw Set-Cookie
// header values; they are parsed into a fresh jar.
func (s *Store) Put(authKey, token string, cookieLines []string) (*Credential, error) {
	if authKey == "" {
		return nil, ErrInvalidAuthKey
	}

	cred := &Credential{
		Token:     token,
		Cookies:   cookies.Parse(cookieLines),
		UpdatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem[authKey] = cred
	if err := s.persist(authKey, cred); err != nil {
		return nil, err
	}

	s.log.InfoWithFields("credential stored", map[string]interface{}{
		"auth_key": authKey,
		"cookies":  cred.Cookies.Len(),
	})

	return cred, nil
}

// Update merges new cookie lines into the existing credential for authKey.
// Incoming cookies win on name collisions; cookies absent from the update
// are kept. The token is immutable after creation and never touched.
// Updating a missing authKey fails; Update never creates a credential.
func (s *Store) Update(authKey string, cookieLines []string) (*Credential, error) {
	if authKey == "" {
		return nil, ErrInvalidAuthKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.lookupLocked(authKey)
	if existing == nil {
		return nil, ErrCredentialNotFound
	}

	cred := &Credential{
		Token:     existing.Token,
		Cookies:   cookies.Merge(existing.Cookies, cookies.Parse(cookieLines)),
		UpdatedAt: s.now(),
	}

	s.mem[authKey] = cred
	if err := s.persist(authKey, cred); err != nil {
		return nil, err
	}

	return cred, nil
}

// Resolve returns the live credential for authKey. An expired credential
// is evicted from both tiers and reported as ErrCredentialExpired.
func (s *Store) Resolve(authKey string) (*Credential, error) {
	if authKey == "" {
		return nil, ErrInvalidAuthKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.lookupLocked(authKey)
	if cred == nil {
		return nil, ErrCredentialNotFound
	}

	if cred.Expired(s.now()) {
		s.evictLocked(authKey)
		return nil, ErrCredentialExpired
	}

	return cred, nil
}

// CookieHeader returns the rendered Cookie header for authKey
func (s *Store) CookieHeader(authKey string) (string, error) {
	cred, err := s.Resolve(authKey)
	if err != nil {
		return "", err
	}
	return cred.CookieHeader(), nil
}

// Token returns the bearer token for authKey
func (s *Store) Token(authKey string) (string, error) {
	cred, err := s.Resolve(authKey)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Invalidate removes the credential for authKey from both tiers
func (s *Store) Invalidate(authKey string) error {
	if authKey == "" {
		return ErrInvalidAuthKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(authKey)
	return nil
}

// lookupLocked finds the credential in memory, falling back to the durable
// backend and hydrating the cache on a hit. Caller holds s.mu.
func (s *Store) lookupLocked(authKey string) *Credential {
	if cred, ok := s.mem[authKey]; ok {
		return cred
	}

	data, err := s.kv.Get(authKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			s.log.WarnWithFields("credential backend read failed", map[string]interface{}{
				"auth_key": authKey,
				"error":    err.Error(),
			})
		}
		return nil
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		s.log.WarnWithFields("stored credential is corrupt, discarding", map[string]interface{}{
			"auth_key": authKey,
			"error":    err.Error(),
		})
		return nil
	}

	s.mem[authKey] = &cred
	return &cred
}

// persist writes the credential to the durable backend. Caller holds s.mu.
func (s *Store) persist(authKey string, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.kv.Set(authKey, data); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// evictLocked removes the credential from both tiers. A backend delete
// failure is logged but does not fail the eviction; the memory tier is
// authoritative for the running process.
func (s *Store) evictLocked(authKey string) {
	delete(s.mem, authKey)
	if err := s.kv.Delete(authKey); err != nil {
		s.log.WarnWithFields("credential backend delete failed", map[string]interface{}{
			"auth_key": authKey,
			"error":    err.Error(),
		})
	}
}

// ResolveAuthKey picks the effective auth key: the explicit one when set,
// otherwise the first non-empty fallback.
func ResolveAuthKey(explicit string, fallbacks ...string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, fb := range fallbacks {
		if fb != "" {
			return fb, nil
		}
	}
	return "", ErrCredentialNotFound
}

// Errors
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrInvalidAuthKey     = errors.New("auth key is required")
)
