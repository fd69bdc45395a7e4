package kvstore

import "sync"

// MemoryKV implements KV in memory for testing purposes
type MemoryKV struct {
	entries map[string][]byte
	mu      sync.RWMutex

	// Error injection for testing
	GetError    error
	SetError    error
	DeleteError error
}

// NewMemoryKV creates a new in-memory KV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string][]byte),
	}
}

// Get returns the value for key
func (m *MemoryKV) Get(key string) ([]byte, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.entries[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	// Return a copy to avoid external modifications
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores the value under key
func (m *MemoryKV) Set(key string, value []byte) error {
	if m.SetError != nil {
		return m.SetError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = stored
	return nil
}

// Delete removes the value for key
func (m *MemoryKV) Delete(key string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Count returns the number of stored entries (useful for testing)
func (m *MemoryKV) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}
