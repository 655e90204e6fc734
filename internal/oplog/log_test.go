package oplog_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/oplog"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newOp(entityType models.EntityType, entityID string, at time.Duration) *models.SyncOperation {
	return &models.SyncOperation{
		ID:            uuid.NewString(),
		OperationType: models.OperationUpdate,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       []byte(fmt.Sprintf(`{"type":%q,"data":{"id":%q}}`, entityType, entityID)),
		CreatedAt:     base.Add(at),
		Status:        models.StatusPending,
	}
}

func newSQLiteLog(t *testing.T, driver string) (*oplog.SQLiteLog, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "oplog.db")
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	log, err := oplog.NewSQLiteLog(dbPath, driver, logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return log, dbPath
}

func TestMemoryLog(t *testing.T) {
	testLogOperations(t, oplog.NewMemoryLog())
}

func TestSQLiteLog(t *testing.T) {
	log, _ := newSQLiteLog(t, oplog.DriverCGO)
	testLogOperations(t, log)
}

func TestSQLiteLogPureGo(t *testing.T) {
	log, _ := newSQLiteLog(t, oplog.DriverPureGo)
	testLogOperations(t, log)
}

func testLogOperations(t *testing.T, log oplog.Log) {
	ctx := context.Background()

	t.Run("empty log", func(t *testing.T) {
		ops, err := log.FetchActionable(ctx)
		require.NoError(t, err)
		assert.Empty(t, ops)

		n, err := log.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	late := newOp(models.EntityNote, "n1", 2*time.Second)
	early := newOp(models.EntityBookmark, "b1", time.Second)
	tie := newOp(models.EntityNote, "n1", 2*time.Second)

	t.Run("append and fetch oldest first", func(t *testing.T) {
		require.NoError(t, log.Append(ctx, late))
		require.NoError(t, log.Append(ctx, early))
		require.NoError(t, log.Append(ctx, tie))

		ops, err := log.FetchActionable(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, []string{early.ID, late.ID, tie.ID}, models.IDs(ops))
		assert.Equal(t, late.Payload, ops[1].Payload)
		assert.True(t, late.CreatedAt.Equal(ops[1].CreatedAt))

		n, err := log.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("append rejects invalid operation", func(t *testing.T) {
		bad := newOp(models.EntityNote, "n2", 0)
		bad.EntityType = "folder"
		assert.Error(t, log.Append(ctx, bad))
	})

	t.Run("syncing operations are not actionable", func(t *testing.T) {
		require.NoError(t, log.MarkSyncing(ctx, []string{late.ID, tie.ID}))

		ops, err := log.FetchActionable(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{early.ID}, models.IDs(ops))

		got, err := log.Get(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSyncing, got.Status)
	})

	t.Run("increment retry and mark failed", func(t *testing.T) {
		counts, err := log.IncrementRetry(ctx, []string{late.ID, tie.ID})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{late.ID: 1, tie.ID: 1}, counts)

		require.NoError(t, log.MarkFailed(ctx, []string{late.ID, tie.ID}, "API error 500: boom"))

		got, err := log.Get(ctx, tie.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "API error 500: boom", got.LastError)

		ops, err := log.FetchActionable(ctx)
		require.NoError(t, err)
		assert.Len(t, ops, 3)
	})

	t.Run("reset failed", func(t *testing.T) {
		n, err := log.ResetFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := log.Get(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		n, err = log.ResetFailed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, log.Remove(ctx, []string{early.ID, "missing"}))

		_, err := log.Get(ctx, early.ID)
		assert.ErrorIs(t, err, models.ErrOperationNotFound)

		n, err := log.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("empty id sets are no-ops", func(t *testing.T) {
		assert.NoError(t, log.MarkSyncing(ctx, nil))
		assert.NoError(t, log.Remove(ctx, []string{}))
	})

	t.Run("claim is exclusive and recovers syncing", func(t *testing.T) {
		require.NoError(t, log.MarkSyncing(ctx, []string{late.ID}))

		release, ok, err := log.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := log.Get(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)

		_, ok, err = log.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "claim already held")

		release()
		release()

		again, ok, err := log.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		again()
	})

	t.Run("list and clear", func(t *testing.T) {
		ops, err := log.List(ctx)
		require.NoError(t, err)
		assert.Len(t, ops, 2)

		require.NoError(t, log.Clear(ctx))

		n, err := log.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("closed log", func(t *testing.T) {
		require.NoError(t, log.Close())

		_, err := log.FetchActionable(ctx)
		assert.ErrorIs(t, err, models.ErrLogNotConfigured)
		assert.ErrorIs(t, log.Append(ctx, newOp(models.EntityNote, "n3", 0)), models.ErrLogNotConfigured)
		_, err = log.PendingCount(ctx)
		assert.ErrorIs(t, err, models.ErrLogNotConfigured)
		_, _, err = log.Claim(ctx)
		assert.ErrorIs(t, err, models.ErrLogNotConfigured)

		assert.NoError(t, log.Close())
	})
}

func TestSQLiteLogRecoversSyncing(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "oplog.db")
	logger := events.Discard()

	log, err := oplog.NewSQLiteLog(dbPath, oplog.DriverCGO, logger)
	require.NoError(t, err)

	op := newOp(models.EntityBookmark, "b1", 0)
	require.NoError(t, log.Append(ctx, op))
	require.NoError(t, log.MarkSyncing(ctx, []string{op.ID}))
	require.NoError(t, log.Close())

	reopened, err := oplog.NewSQLiteLog(dbPath, oplog.DriverCGO, logger)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.FetchActionable(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.StatusPending, ops[0].Status)
}

func TestSQLiteLogSharedBetweenProcesses(t *testing.T) {
	for _, driver := range []string{oplog.DriverCGO, oplog.DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			flusher, dbPath := newSQLiteLog(t, driver)

			op := newOp(models.EntityNote, "n1", 0)
			require.NoError(t, flusher.Append(ctx, op))

			release, ok, err := flusher.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, flusher.MarkSyncing(ctx, []string{op.ID}))

			// A second opener, e.g. a CLI command, must not revive the
			// in-flight operation or start its own flush.
			other, err := oplog.NewSQLiteLog(dbPath, driver, events.Discard())
			require.NoError(t, err)
			defer other.Close()

			ops, err := other.FetchActionable(ctx)
			require.NoError(t, err)
			assert.Empty(t, ops)

			got, err := other.Get(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusSyncing, got.Status)

			_, ok, err = other.Claim(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			// The flusher goes away without finishing; the next claimer
			// takes the operation back.
			release()

			otherRelease, ok, err := other.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			defer otherRelease()

			ops, err = other.FetchActionable(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{op.ID}, models.IDs(ops))
		})
	}
}

func TestSQLiteLogDetectsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	log, dbPath := newSQLiteLog(t, oplog.DriverCGO)

	good := newOp(models.EntityNote, "n1", 0)
	bad := newOp(models.EntityNote, "n2", time.Second)
	require.NoError(t, log.Append(ctx, good))
	require.NoError(t, log.Append(ctx, bad))

	db, err := sql.Open(oplog.DriverCGO, dbPath)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE sync_operations SET payload = ? WHERE id = ?", []byte("tampered"), bad.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ops, err := log.FetchActionable(ctx)
	assert.ErrorIs(t, err, models.ErrCorruptOperation)
	assert.Equal(t, []string{bad.ID}, oplog.CorruptIDs(err))
	assert.Equal(t, []string{good.ID}, models.IDs(ops))
}

func TestNewSQLiteLogUnknownDriver(t *testing.T) {
	_, err := oplog.NewSQLiteLog(filepath.Join(t.TempDir(), "x.db"), "postgres", events.Discard())
	assert.Error(t, err)
}

func TestPartitionOps(t *testing.T) {
	n1 := newOp(models.EntityNote, "n1", 0)
	b1 := newOp(models.EntityBookmark, "b1", time.Second)
	n2 := newOp(models.EntityNote, "n2", 2*time.Second)

	parts := oplog.PartitionOps([]*models.SyncOperation{n1, b1, n2})
	require.Len(t, parts, 2)

	assert.Equal(t, models.EntityNote, parts[0].EntityType)
	assert.Equal(t, []string{n1.ID, n2.ID}, parts[0].IDs())
	assert.Equal(t, models.EntityBookmark, parts[1].EntityType)
	assert.Equal(t, []string{b1.ID}, parts[1].IDs())

	assert.Empty(t, oplog.PartitionOps(nil))
}

func TestCorruptError(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &oplog.CorruptError{IDs: []string{"a", "b"}})
	assert.ErrorIs(t, err, models.ErrCorruptOperation)
	assert.Equal(t, []string{"a", "b"}, oplog.CorruptIDs(err))
	assert.Nil(t, oplog.CorruptIDs(models.ErrOffline))
}
