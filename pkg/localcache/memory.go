package localcache

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Cache.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, userID, key string) ([]byte, error) {
	k, err := Key(userID, key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[k]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, userID, key string, value []byte) error {
	k, err := Key(userID, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[k] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, userID, key string) error {
	k, err := Key(userID, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, k)
	return nil
}

func (m *Memory) ClearUser(_ context.Context, userID string) error {
	if _, err := Key(userID, KeySettings); err != nil {
		return err
	}
	prefix := strings.TrimSpace(userID) + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
		}
	}
	return nil
}
