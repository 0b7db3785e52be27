package store

import (
	"context"
	"sync"
)

// MemoryPersister keeps the last snapshot in memory.
type MemoryPersister struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

func NewMemoryPersister(initial []byte) *MemoryPersister {
	return &MemoryPersister{data: initial}
}

func (m *MemoryPersister) LoadSnapshot(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryPersister) SaveSnapshot(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Snapshot returns the last saved payload.
func (m *MemoryPersister) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetErr makes every following save fail with err until reset with nil.
func (m *MemoryPersister) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
