package keyring

import (
	"context"
	"sort"
	"sync"
)

// Memory is a concurrency-safe in-process keyring.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewMemory() *Memory { return &Memory{keys: map[string]Key{}} }

func (m *Memory) Get(ctx context.Context, id string) (Key, error) {
	_ = ctx
	if err := validID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}

func (m *Memory) Add(ctx context.Context, id string, key Key) error {
	_ = ctx
	if err := validID(id); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.keys[id] = key.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	_ = ctx
	if err := validID(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.keys, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]string, 0, len(m.keys))
	for id := range m.keys {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Len is the number of keys held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// replace swaps the whole content in one step.
func (m *Memory) replace(keys map[string]Key) {
	next := make(map[string]Key, len(keys))
	for id, k := range keys {
		next[id] = k.Clone()
	}
	m.mu.Lock()
	m.keys = next
	m.mu.Unlock()
}
