// Package kvstore provides the durable local key-value storage consumed by
// the operation queue, the cache, and usage accounting. Implementations are
// synchronous: a SetBytes that has returned has reached the backing store.
package kvstore

import "sync"

// Store is durable blob storage keyed by string.
type Store interface {
	// SetBytes writes blob under key, overwriting any previous value.
	SetBytes(key string, blob []byte) error
	// GetBytes reads the blob under key; ok is false when absent.
	GetBytes(key string) ([]byte, bool, error)
	// RemoveKey deletes key. Removing an absent key is not an error.
	RemoveKey(key string) error
	// AllKeys returns every stored key, in no particular order.
	AllKeys() ([]string, error)
	Close() error
}

// Memory is an in-process Store for tests and ephemeral runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) SetBytes(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.data[key] = cp
	return nil
}

func (m *Memory) GetBytes(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true, nil
}

func (m *Memory) RemoveKey(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) AllKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Close() error { return nil }
