package state

import (
	"fmt"
	"sync"

	"github.com/TheMichaelB/marksync/internal/models"
)

// MemoryStore keeps the status in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	status *models.SyncStatus
	saves  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored status.
func (m *MemoryStore) Load() (*models.SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status == nil {
		return nil, ErrStateNotFound
	}

	cp := *m.status
	return &cp, nil
}

// Save stores a copy of status.
func (m *MemoryStore) Save(status *models.SyncStatus) error {
	if status == nil {
		return fmt.Errorf("nil status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *status
	m.status = &cp
	m.saves++
	return nil
}

// Reset removes the stored status.
func (m *MemoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = nil
	return nil
}

// Close closes the store (no-op).
func (m *MemoryStore) Close() error {
	return nil
}

// SaveCount returns how many times Save was called.
func (m *MemoryStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
