// ABOUTME: In-memory settings store for tests and ephemeral runs
// ABOUTME: Mirrors the typed get/set semantics of the file-backed store

package settings

import "sync"

// Memory is a Store that keeps values in a map.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

func (m *Memory) GetBool(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, _ := m.values[key].(bool)
	return b
}

func (m *Memory) SetBool(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) GetString(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.values[key].(string)
	return s, ok
}

func (m *Memory) SetString(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
