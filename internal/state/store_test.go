package state_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/state"
)

func newJSONStore(t *testing.T) (*state.JSONStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "sync_state.json")
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	store, err := state.NewJSONStore(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, path
}

func TestJSONStore(t *testing.T) {
	store, _ := newJSONStore(t)
	testStoreOperations(t, store)
}

func TestMemoryStore(t *testing.T) {
	store := state.NewMemoryStore()
	testStoreOperations(t, store)
	assert.Equal(t, 2, store.SaveCount())
}

func testStoreOperations(t *testing.T, store state.Store) {
	t.Run("load non-existent", func(t *testing.T) {
		_, err := store.Load()
		assert.ErrorIs(t, err, state.ErrStateNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		status := &models.SyncStatus{
			LastSyncTime: time.Now().UTC().Truncate(time.Second),
			LastError:    "batch note [status]: 1 operations: API error 503",
		}
		require.NoError(t, store.Save(status))

		loaded, err := store.Load()
		require.NoError(t, err)
		assert.True(t, status.LastSyncTime.Equal(loaded.LastSyncTime))
		assert.Equal(t, status.LastError, loaded.LastError)
	})

	t.Run("update existing", func(t *testing.T) {
		status := &models.SyncStatus{LastSyncTime: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, store.Save(status))

		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, loaded.LastError)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, store.Reset())

		_, err := store.Load()
		assert.ErrorIs(t, err, state.ErrStateNotFound)

		// Resetting twice is fine.
		assert.NoError(t, store.Reset())
	})

	t.Run("nil status", func(t *testing.T) {
		assert.Error(t, store.Save(nil))
	})
}

func TestJSONStoreCorruption(t *testing.T) {
	store, path := newJSONStore(t)

	require.NoError(t, store.Save(&models.SyncStatus{LastError: "boom"}))
	require.NoError(t, os.WriteFile(path, []byte("invalid json"), 0600))

	// No backup exists after a single save.
	_, err := store.Load()
	assert.ErrorIs(t, err, state.ErrStateCorrupt)
}

func TestJSONStoreChecksumMismatch(t *testing.T) {
	store, path := newJSONStore(t)

	require.NoError(t, store.Save(&models.SyncStatus{LastError: "original"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["status"].(map[string]interface{})["last_error"] = "tampered"
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = store.Load()
	assert.ErrorIs(t, err, state.ErrStateCorrupt)
}

func TestJSONStoreBackupRecovery(t *testing.T) {
	store, path := newJSONStore(t)

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&models.SyncStatus{LastSyncTime: first}))

	// The second save backs up the first.
	require.NoError(t, store.Save(&models.SyncStatus{LastSyncTime: first.Add(time.Hour)}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.True(t, first.Add(time.Hour).Equal(loaded.LastSyncTime))

	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0600))

	recovered, err := store.Load()
	require.NoError(t, err)
	assert.True(t, first.Equal(recovered.LastSyncTime))
}

func TestJSONStoreFilePermissions(t *testing.T) {
	store, path := newJSONStore(t)
	require.NoError(t, store.Save(&models.SyncStatus{LastError: "x"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}
