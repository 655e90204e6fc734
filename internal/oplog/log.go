// Package oplog persists queued sync operations until the remote side has
// accepted them or they exhaust their retries.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TheMichaelB/marksync/internal/models"
)

// Log is the durable queue of pending mutations.
//
// Every batch transition is atomic with respect to FetchActionable: no
// operation is ever observed in two statuses at once.
type Log interface {
	// Append persists a new operation.
	Append(ctx context.Context, op *models.SyncOperation) error

	// FetchActionable returns pending and failed operations, oldest first.
	FetchActionable(ctx context.Context) ([]*models.SyncOperation, error)

	// MarkSyncing moves operations into the syncing state.
	MarkSyncing(ctx context.Context, ids []string) error

	// MarkFailed records a failed attempt's error on the operations.
	MarkFailed(ctx context.Context, ids []string, errMsg string) error

	// Remove deletes operations.
	Remove(ctx context.Context, ids []string) error

	// IncrementRetry bumps retry counters and returns the new values by ID.
	IncrementRetry(ctx context.Context, ids []string) (map[string]int, error)

	// ResetFailed moves every failed operation back to pending.
	ResetFailed(ctx context.Context) (int, error)

	// PendingCount counts operations still in the log.
	PendingCount(ctx context.Context) (int, error)

	// Get returns one operation.
	Get(ctx context.Context, id string) (*models.SyncOperation, error)

	// List returns every operation, oldest first.
	List(ctx context.Context) ([]*models.SyncOperation, error)

	// Clear drops the whole log.
	Clear(ctx context.Context) error

	// Claim makes the caller the only flusher of the log, across processes
	// for a file-backed log. ok is false while another holder has it. On
	// success, operations left syncing by a holder that went away are
	// returned to pending. release must be called once the flush is done.
	Claim(ctx context.Context) (release func(), ok bool, err error)

	// Close releases resources. Later calls return models.ErrLogNotConfigured.
	Close() error
}

// CorruptError reports stored operations that can no longer be trusted.
// FetchActionable returns it alongside the healthy operations.
type CorruptError struct {
	IDs []string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%d corrupt operations: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *CorruptError) Unwrap() error {
	return models.ErrCorruptOperation
}

// CorruptIDs extracts the corrupt operation IDs from err, if any.
func CorruptIDs(err error) []string {
	var cerr *CorruptError
	if errors.As(err, &cerr) {
		return cerr.IDs
	}
	return nil
}

// Partition is the slice of one flush that goes to a single batch endpoint.
type Partition struct {
	EntityType models.EntityType
	Ops        []*models.SyncOperation
}

// IDs returns the partition's operation IDs in order.
func (p Partition) IDs() []string {
	return models.IDs(p.Ops)
}

// PartitionOps groups operations by entity type. Partitions appear in the
// order their entity type first occurs and keep operation order within.
func PartitionOps(ops []*models.SyncOperation) []Partition {
	var parts []Partition
	index := make(map[models.EntityType]int)

	for _, op := range ops {
		i, ok := index[op.EntityType]
		if !ok {
			i = len(parts)
			index[op.EntityType] = i
			parts = append(parts, Partition{EntityType: op.EntityType})
		}
		parts[i].Ops = append(parts[i].Ops, op)
	}

	return parts
}
