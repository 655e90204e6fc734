package oplog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// SQLite's default host parameter limit is 999.
const maxIDsPerStatement = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_operations (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        operation_type TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL DEFAULT '',
        payload BLOB NOT NULL,
        payload_sum TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        retry_count INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        last_error TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operations_status
        ON sync_operations(status, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    )`,
}

const selectColumns = `id, operation_type, entity_type, entity_id, payload, payload_sum,
        created_at, retry_count, status, last_error`

// SQLiteLog implements Log on a SQLite database.
type SQLiteLog struct {
	mu     sync.RWMutex // guards db and serializes writers
	db     *sql.DB
	driver string
	logger *events.Logger

	// Flush claim: claimMu for this process, lock for every process
	// opening the same database.
	claimMu sync.Mutex
	lock    *flock.Flock
}

// NewSQLiteLog opens (or creates) the log at dbPath with the given driver.
// Operations left in syncing by an interrupted flush are returned to pending
// unless another process currently holds the flush claim.
func NewSQLiteLog(dbPath, driver string, logger *events.Logger) (*SQLiteLog, error) {
	dsn, err := buildDSN(dbPath, driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{
		db:     db,
		driver: driver,
		logger: logger.WithFields(map[string]interface{}{
			"component": "oplog",
			"driver":    driver,
		}),
		lock: flock.New(dbPath + ".lock"),
	}

	if err := l.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	release, ok, err := l.Claim(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recover interrupted operations: %w", err)
	}
	if ok {
		release()
	} else {
		l.logger.Debug("Log is claimed by another process, leaving syncing operations alone")
	}

	return l, nil
}

func buildDSN(dbPath, driver string) (string, error) {
	switch driver {
	case DriverCGO:
		return dbPath + "?_journal=WAL&_timeout=5000", nil
	case DriverPureGo:
		return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

func (l *SQLiteLog) initialize() error {
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := l.db.Exec("INSERT OR IGNORE INTO schema_info (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return nil
}

// Claim takes the flush claim without blocking. The claim is an exclusive
// flock on "<dbPath>.lock".
func (l *SQLiteLog) Claim(ctx context.Context) (func(), bool, error) {
	if !l.claimMu.TryLock() {
		return nil, false, nil
	}

	locked, err := l.lock.TryLock()
	if err != nil {
		l.claimMu.Unlock()
		return nil, false, fmt.Errorf("lock %s: %w", l.lock.Path(), err)
	}
	if !locked {
		l.claimMu.Unlock()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := l.lock.Unlock(); err != nil {
				l.logger.WithError(err).Warn("Failed to release flush claim")
			}
			l.claimMu.Unlock()
		})
	}

	if err := l.recover(ctx); err != nil {
		release()
		return nil, false, err
	}

	return release, true, nil
}

func (l *SQLiteLog) recover(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return models.ErrLogNotConfigured
	}

	res, err := l.db.ExecContext(ctx, "UPDATE sync_operations SET status = ? WHERE status = ?",
		string(models.StatusPending), string(models.StatusSyncing))
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.WithField("count", n).Warn("Reset operations interrupted mid-flush")
	}
	return nil
}

// Append persists a new operation.
func (l *SQLiteLog) Append(ctx context.Context, op *models.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return models.ErrLogNotConfigured
	}

	_, err := l.db.ExecContext(ctx, `
        INSERT INTO sync_operations
            (id, operation_type, entity_type, entity_id, payload, payload_sum,
             created_at, retry_count, status, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, op.ID, string(op.OperationType), string(op.EntityType), op.EntityID, op.Payload,
		payloadSum(op.Payload), op.CreatedAt.UnixNano(), op.RetryCount, string(op.Status), op.LastError)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}

	l.logger.WithFields(map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"operation":    op.OperationType,
	}).Debug("Appended operation")

	return nil
}

// FetchActionable returns pending and failed operations, oldest first.
// Rows whose payload digest no longer matches are left out and reported
// through a *CorruptError next to the healthy operations.
func (l *SQLiteLog) FetchActionable(ctx context.Context) ([]*models.SyncOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, models.ErrLogNotConfigured
	}

	return l.query(ctx, `
        SELECT `+selectColumns+`
        FROM sync_operations
        WHERE status IN (?, ?)
        ORDER BY created_at, seq
    `, string(models.StatusPending), string(models.StatusFailed))
}

// List returns every operation, oldest first.
func (l *SQLiteLog) List(ctx context.Context) ([]*models.SyncOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, models.ErrLogNotConfigured
	}

	return l.query(ctx, `
        SELECT `+selectColumns+`
        FROM sync_operations
        ORDER BY created_at, seq
    `)
}

// Get returns one operation by ID.
func (l *SQLiteLog) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return nil, models.ErrLogNotConfigured
	}

	ops, err := l.query(ctx, `
        SELECT `+selectColumns+`
        FROM sync_operations
        WHERE id = ?
    `, id)
	if len(ops) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", models.ErrOperationNotFound, id)
	}
	return ops[0], nil
}

func (l *SQLiteLog) query(ctx context.Context, query string, args ...interface{}) ([]*models.SyncOperation, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	var corrupt []string

	for rows.Next() {
		var (
			op                 models.SyncOperation
			opType, entityType string
			status, sum        string
			createdAt          int64
		)

		if err := rows.Scan(&op.ID, &opType, &entityType, &op.EntityID, &op.Payload, &sum,
			&createdAt, &op.RetryCount, &status, &op.LastError); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}

		op.OperationType = models.OperationType(opType)
		op.EntityType = models.EntityType(entityType)
		op.Status = models.OperationStatus(status)
		op.CreatedAt = time.Unix(0, createdAt).UTC()

		if sum != payloadSum(op.Payload) {
			l.logger.WithField("operation_id", op.ID).Error("Payload digest mismatch")
			corrupt = append(corrupt, op.ID)
			continue
		}

		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	if len(corrupt) > 0 {
		return ops, &CorruptError{IDs: corrupt}
	}
	return ops, nil
}

// MarkSyncing moves operations into the syncing state.
func (l *SQLiteLog) MarkSyncing(ctx context.Context, ids []string) error {
	return l.update(ctx, ids, "mark syncing", func(tx *sql.Tx, chunk []string) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE sync_operations SET status = ? WHERE id IN ("+placeholders(len(chunk))+")",
			append([]interface{}{string(models.StatusSyncing)}, toArgs(chunk)...)...)
		return err
	})
}

// MarkFailed records a failed attempt's error on the operations.
func (l *SQLiteLog) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	return l.update(ctx, ids, "mark failed", func(tx *sql.Tx, chunk []string) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE sync_operations SET status = ?, last_error = ? WHERE id IN ("+placeholders(len(chunk))+")",
			append([]interface{}{string(models.StatusFailed), errMsg}, toArgs(chunk)...)...)
		return err
	})
}

// Remove deletes operations.
func (l *SQLiteLog) Remove(ctx context.Context, ids []string) error {
	return l.update(ctx, ids, "remove", func(tx *sql.Tx, chunk []string) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM sync_operations WHERE id IN ("+placeholders(len(chunk))+")",
			toArgs(chunk)...)
		return err
	})
}

// IncrementRetry bumps retry counters and returns the new values by ID.
func (l *SQLiteLog) IncrementRetry(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))

	err := l.update(ctx, ids, "increment retry", func(tx *sql.Tx, chunk []string) error {
		in := placeholders(len(chunk))
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_operations SET retry_count = retry_count + 1 WHERE id IN ("+in+")",
			toArgs(chunk)...); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT id, retry_count FROM sync_operations WHERE id IN ("+in+")",
			toArgs(chunk)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				return err
			}
			counts[id] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}

// update runs fn over ids in chunks inside one transaction.
func (l *SQLiteLog) update(ctx context.Context, ids []string, what string, fn func(*sql.Tx, []string) error) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return models.ErrLogNotConfigured
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += maxIDsPerStatement {
		end := start + maxIDsPerStatement
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(tx, ids[start:end]); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", what, err)
	}

	l.logger.WithFields(map[string]interface{}{
		"count":  len(ids),
		"action": what,
	}).Debug("Updated operations")

	return nil
}

// ResetFailed moves every failed operation back to pending.
func (l *SQLiteLog) ResetFailed(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return 0, models.ErrLogNotConfigured
	}

	res, err := l.db.ExecContext(ctx, "UPDATE sync_operations SET status = ? WHERE status = ?",
		string(models.StatusPending), string(models.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// PendingCount counts operations still in the log.
func (l *SQLiteLog) PendingCount(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.db == nil {
		return 0, models.ErrLogNotConfigured
	}

	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_operations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// Clear drops the whole log.
func (l *SQLiteLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return models.ErrLogNotConfigured
	}

	if _, err := l.db.ExecContext(ctx, "DELETE FROM sync_operations"); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}

	l.logger.Info("Cleared operation log")
	return nil
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}

	if err := l.lock.Unlock(); err != nil {
		l.logger.WithError(err).Warn("Failed to release lock file")
	}

	err := l.db.Close()
	l.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func payloadSum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
