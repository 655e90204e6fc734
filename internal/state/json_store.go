package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
)

// JSONStore keeps the status in a single JSON file with a checksum and a
// backup of the previous version.
type JSONStore struct {
	path   string
	logger *events.Logger

	mu sync.RWMutex
}

// NewJSONStore creates a JSON-based state store writing to path.
func NewJSONStore(path string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		path:   path,
		logger: logger.WithField("component", "json_state_store"),
	}, nil
}

// Load reads the status, falling back to the backup if the file is corrupt.
func (s *JSONStore) Load() (*models.SyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.WithField("path", s.path).Debug("Loading state")

	status, err := s.readFile(s.path)
	if err == nil {
		return status, nil
	}
	if errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	s.logger.WithError(err).Warn("State file unreadable, trying backup")

	if status, berr := s.readFile(s.backupPath()); berr == nil {
		s.logger.Warn("Loaded state from backup due to corruption")
		return status, nil
	}

	return nil, ErrStateCorrupt
}

func (s *JSONStore) readFile(path string) (*models.SyncStatus, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Status == nil {
		return nil, ErrStateCorrupt
	}

	if rec.Checksum != "" {
		calculated, err := checksum(rec)
		if err != nil {
			return nil, err
		}

		if calculated != rec.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"expected": rec.Checksum,
				"actual":   calculated,
			}).Error("State checksum mismatch")
			return nil, ErrStateCorrupt
		}
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", rec.SchemaVersion).Warn("State schema version mismatch")
	}

	return rec.Status, nil
}

// Save writes the status atomically, keeping the previous file as backup.
func (s *JSONStore) Save(status *models.SyncStatus) error {
	if status == nil {
		return fmt.Errorf("nil status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"last_sync_time": status.LastSyncTime,
		"has_error":      status.LastError != "",
	}).Debug("Saving state")

	rec := record{
		Status:        status,
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
	}

	sum, err := checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state with checksum: %w", err)
	}

	// Create backup of existing file
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	// Write atomically
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Reset removes the state file and its backup.
func (s *JSONStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Resetting state")

	for _, path := range []string{s.path, s.backupPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	return nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) backupPath() string {
	return s.path + ".backup"
}

// checksum hashes the record with its checksum field cleared.
func checksum(rec record) (string, error) {
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal state for checksum: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
