package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	snap.Expenses = slices.Clone(snap.Expenses)
	m.mu.Lock()
	m.snap = &snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	out := *m.snap
	out.Expenses = slices.Clone(m.snap.Expenses)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
