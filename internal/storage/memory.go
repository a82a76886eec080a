package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"publisher/internal/collection"
)

// Memory is a Store held entirely in process memory.
type Memory struct {
	mu          sync.Mutex
	collections map[string]collection.Collection
	cohorts     []PendingCohort
	dedup       map[string]time.Time
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{
		collections: map[string]collection.Collection{},
		dedup:       map[string]time.Time{},
	}
}

func (m *Memory) Load(ctx context.Context, id string) (collection.Collection, error) {
	_ = ctx
	if err := collection.ValidID(id); err != nil {
		return collection.Collection{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return collection.Collection{}, ErrClosed
	}
	c, ok := m.collections[id]
	if !ok {
		return collection.Collection{}, collection.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, c collection.Collection) error {
	_ = ctx
	if err := collection.ValidID(c.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.collections[c.ID] = c.Clone()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]collection.Collection, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]collection.Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutPendingCohorts(ctx context.Context, cohorts []PendingCohort) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cohorts = m.cohorts[:0]
	for _, pc := range cohorts {
		m.cohorts = append(m.cohorts, PendingCohort{At: pc.At, CollectionIDs: slices.Clone(pc.CollectionIDs)})
	}
	return nil
}

func (m *Memory) PendingCohorts(ctx context.Context) ([]PendingCohort, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]PendingCohort, 0, len(m.cohorts))
	for _, pc := range m.cohorts {
		out = append(out, PendingCohort{At: pc.At, CollectionIDs: slices.Clone(pc.CollectionIDs)})
	}
	return out, nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
