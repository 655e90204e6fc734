package oplog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/TheMichaelB/marksync/internal/models"
)

// MemoryLog keeps operations in memory. It is used by tests and by callers
// that do not need the queue to survive a restart.
type MemoryLog struct {
	mu     sync.RWMutex
	ops    map[string]*entry
	seq    int64
	closed bool

	claim sync.Mutex
}

type entry struct {
	seq int64
	op  *models.SyncOperation
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		ops: make(map[string]*entry),
	}
}

// Append stores a copy of the operation.
func (m *MemoryLog) Append(ctx context.Context, op *models.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrLogNotConfigured
	}

	if _, exists := m.ops[op.ID]; exists {
		return fmt.Errorf("insert operation %s: duplicate id", op.ID)
	}

	m.seq++
	m.ops[op.ID] = &entry{seq: m.seq, op: op.Clone()}
	return nil
}

// FetchActionable returns copies of pending and failed operations, oldest first.
func (m *MemoryLog) FetchActionable(ctx context.Context) ([]*models.SyncOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, models.ErrLogNotConfigured
	}

	return m.sorted(func(op *models.SyncOperation) bool { return op.Status.Actionable() }), nil
}

// List returns copies of every operation, oldest first.
func (m *MemoryLog) List(ctx context.Context) ([]*models.SyncOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, models.ErrLogNotConfigured
	}

	return m.sorted(func(*models.SyncOperation) bool { return true }), nil
}

// Get returns a copy of one operation.
func (m *MemoryLog) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, models.ErrLogNotConfigured
	}

	e, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOperationNotFound, id)
	}
	return e.op.Clone(), nil
}

func (m *MemoryLog) sorted(keep func(*models.SyncOperation) bool) []*models.SyncOperation {
	entries := make([]*entry, 0, len(m.ops))
	for _, e := range m.ops {
		if keep(e.op) {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.op.CreatedAt.Equal(b.op.CreatedAt) {
			return a.op.CreatedAt.Before(b.op.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*models.SyncOperation, len(entries))
	for i, e := range entries {
		out[i] = e.op.Clone()
	}
	return out
}

// MarkSyncing moves operations into the syncing state.
func (m *MemoryLog) MarkSyncing(ctx context.Context, ids []string) error {
	return m.apply(ids, func(op *models.SyncOperation) {
		op.Status = models.StatusSyncing
	})
}

// MarkFailed records a failed attempt's error on the operations.
func (m *MemoryLog) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	return m.apply(ids, func(op *models.SyncOperation) {
		op.Status = models.StatusFailed
		op.LastError = errMsg
	})
}

// IncrementRetry bumps retry counters and returns the new values by ID.
func (m *MemoryLog) IncrementRetry(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	err := m.apply(ids, func(op *models.SyncOperation) {
		op.RetryCount++
		counts[op.ID] = op.RetryCount
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Remove deletes operations. Unknown IDs are ignored.
func (m *MemoryLog) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrLogNotConfigured
	}

	for _, id := range ids {
		delete(m.ops, id)
	}
	return nil
}

func (m *MemoryLog) apply(ids []string, fn func(*models.SyncOperation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrLogNotConfigured
	}

	for _, id := range ids {
		if e, ok := m.ops[id]; ok {
			fn(e.op)
		}
	}
	return nil
}

// ResetFailed moves every failed operation back to pending.
func (m *MemoryLog) ResetFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, models.ErrLogNotConfigured
	}

	n := 0
	for _, e := range m.ops {
		if e.op.Status == models.StatusFailed {
			e.op.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

// PendingCount counts operations still in the log.
func (m *MemoryLog) PendingCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, models.ErrLogNotConfigured
	}
	return len(m.ops), nil
}

// Claim takes the log's flush claim without blocking.
func (m *MemoryLog) Claim(ctx context.Context) (func(), bool, error) {
	if !m.claim.TryLock() {
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.claim.Unlock()
		return nil, false, models.ErrLogNotConfigured
	}

	for _, e := range m.ops {
		if e.op.Status == models.StatusSyncing {
			e.op.Status = models.StatusPending
		}
	}

	var once sync.Once
	return func() { once.Do(m.claim.Unlock) }, true, nil
}

// Clear drops every operation.
func (m *MemoryLog) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrLogNotConfigured
	}

	m.ops = make(map[string]*entry)
	return nil
}

// Close marks the log unusable.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.ops = nil
	return nil
}
