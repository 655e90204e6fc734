package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/marksync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.API.BaseURL)
	assert.Positive(t, cfg.API.Timeout)
	assert.NotEmpty(t, cfg.Storage.LogPath)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing base URL",
			modify: func(c *config.Config) {
				c.API.BaseURL = ""
			},
			wantErr: "api.base_url is required",
		},
		{
			name: "negative timeout",
			modify: func(c *config.Config) {
				c.API.Timeout = -1
			},
			wantErr: "api.timeout must be positive",
		},
		{
			name: "relative endpoint",
			modify: func(c *config.Config) {
				c.API.NotesEndpoint = "notes/batch"
			},
			wantErr: "api endpoints must start with /",
		},
		{
			name: "unknown driver",
			modify: func(c *config.Config) {
				c.Storage.Driver = "postgres"
			},
			wantErr: "invalid storage driver",
		},
		{
			name: "zero retries",
			modify: func(c *config.Config) {
				c.Sync.MaxRetries = 0
			},
			wantErr: "sync.max_retries must be positive",
		},
		{
			name: "unknown connectivity mode",
			modify: func(c *config.Config) {
				c.Connectivity.Mode = "carrier-pigeon"
			},
			wantErr: "invalid connectivity mode",
		},
		{
			name: "manual mode ignores poll interval",
			modify: func(c *config.Config) {
				c.Connectivity.Mode = "manual"
				c.Connectivity.PollInterval = 0
			},
			wantErr: "",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("MARKSYNC_API_BASE_URL", "https://test.example.com")
	t.Setenv("MARKSYNC_API_TIMEOUT", "45s")
	t.Setenv("MARKSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("MARKSYNC_SYNC_MAX_CONCURRENT", "4")
	t.Setenv("MARKSYNC_CONNECTIVITY_METERED", "true")

	loader := config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://test.example.com", cfg.API.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Sync.MaxConcurrent)
	assert.True(t, cfg.Connectivity.Metered)
}

func TestLoaderDataDirMovesDependentPaths(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "state")
	t.Setenv("MARKSYNC_STORAGE_DATA_DIR", dataDir)

	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "oplog.db"), cfg.Storage.LogPath)
	assert.Equal(t, filepath.Join(dataDir, "auth", "token.json"), cfg.Auth.TokenFile)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "marksync.yaml")

	configYAML := `
api:
  base_url: https://file.example.com
  timeout: 5s
storage:
  driver: sqlite
log:
  level: warn
  format: json
`

	err := os.WriteFile(configPath, []byte(configYAML), 0644)
	require.NoError(t, err)

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, configPath, loader.ConfigFile())
	assert.Equal(t, "https://file.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults
	assert.Equal(t, "/api/v1/notes/batch", cfg.API.NotesEndpoint)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "marksync.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: loud\n"), 0644))

	_, err := config.NewLoader(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestSaveExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().API, cfg.API)
	assert.Equal(t, config.DefaultConfig().Connectivity, cfg.Connectivity)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.LogPath = filepath.Join(tmpDir, "data", "db", "oplog.db")
	cfg.Auth.TokenFile = filepath.Join(tmpDir, "auth", "token.json")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Dir(cfg.Storage.LogPath))
	assert.DirExists(t, filepath.Dir(cfg.Auth.TokenFile))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
