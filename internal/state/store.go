// Package state persists the sync status (last sync time, last error) so it
// survives restarts of the process that owns the queue.
package state

import (
	"errors"
	"time"

	"github.com/TheMichaelB/marksync/internal/models"
)

// Store manages sync status persistence.
type Store interface {
	// Load retrieves the stored status.
	Load() (*models.SyncStatus, error)

	// Save persists the status.
	Save(status *models.SyncStatus) error

	// Reset removes the stored status.
	Reset() error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateCorrupt  = errors.New("state file is corrupt")
)

// record wraps the status with store metadata.
type record struct {
	Status *models.SyncStatus `json:"status"`

	// Store metadata
	SchemaVersion int       `json:"schema_version"`
	SavedAt       time.Time `json:"saved_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
