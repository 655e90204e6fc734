package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote API
	API APIConfig `json:"api" yaml:"api" mapstructure:"api"`

	// Bearer token persistence
	Auth AuthConfig `json:"auth" yaml:"auth" mapstructure:"auth"`

	// Operation log location
	Storage StorageConfig `json:"storage" yaml:"storage" mapstructure:"storage"`

	// Queue behavior
	Sync SyncConfig `json:"sync" yaml:"sync" mapstructure:"sync"`

	// Reachability probing
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" mapstructure:"connectivity"`

	// Logging
	Log LogConfig `json:"log" yaml:"log" mapstructure:"log"`

	// Development options
	Dev DevConfig `json:"dev,omitempty" yaml:"dev,omitempty" mapstructure:"dev"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL           string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	UserAgent         string        `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
	NotesEndpoint     string        `json:"notes_endpoint" yaml:"notes_endpoint" mapstructure:"notes_endpoint"`
	BookmarksEndpoint string        `json:"bookmarks_endpoint" yaml:"bookmarks_endpoint" mapstructure:"bookmarks_endpoint"`
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	// Token persistence
	TokenFile string `json:"token_file" yaml:"token_file" mapstructure:"token_file"`

	// Static token, mostly for CI and the dev server
	Token string `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"` // Base directory for all data
	LogPath string `json:"log_path" yaml:"log_path" mapstructure:"log_path"` // Operation log database
	Driver  string `json:"driver" yaml:"driver" mapstructure:"driver"`       // sqlite3 (cgo) or sqlite (pure Go)
}

// SyncConfig for queue behavior.
type SyncConfig struct {
	MaxRetries     int  `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`                // Failed flushes before an operation is dropped
	MaxConcurrent  int  `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`       // Partitions submitted in parallel
	FlushOnEnqueue bool `json:"flush_on_enqueue" yaml:"flush_on_enqueue" mapstructure:"flush_on_enqueue"` // Flush right after a successful enqueue
}

// ConnectivityConfig for reachability probing.
type ConnectivityConfig struct {
	Mode         string        `json:"mode" yaml:"mode" mapstructure:"mode"` // http, presence, manual
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
	HealthPath   string        `json:"health_path" yaml:"health_path" mapstructure:"health_path"`
	PresencePath string        `json:"presence_path" yaml:"presence_path" mapstructure:"presence_path"`
	Metered      bool          `json:"metered" yaml:"metered" mapstructure:"metered"` // Treat every link as expensive
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // text, json
	File   string `json:"file" yaml:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color  bool   `json:"color" yaml:"color" mapstructure:"color"`   // Enable colored output
}

// DevConfig for development/debugging.
type DevConfig struct {
	// Strict turns configuration mistakes into panics instead of errors.
	Strict      bool   `json:"strict" yaml:"strict" mapstructure:"strict"`
	ServerAddr  string `json:"server_addr" yaml:"server_addr" mapstructure:"server_addr"`
	ServerToken string `json:"server_token" yaml:"server_token" mapstructure:"server_token"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".marksync"

	return &Config{
		API: APIConfig{
			BaseURL:           "http://127.0.0.1:8787",
			Timeout:           30 * time.Second,
			UserAgent:         "marksync/1.0",
			NotesEndpoint:     "/api/v1/notes/batch",
			BookmarksEndpoint: "/api/v1/bookmarks/batch",
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(dataDir, "auth", "token.json"),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			LogPath: filepath.Join(dataDir, "oplog.db"),
			Driver:  "sqlite3",
		},
		Sync: SyncConfig{
			MaxRetries:     3,
			MaxConcurrent:  2,
			FlushOnEnqueue: true,
		},
		Connectivity: ConnectivityConfig{
			Mode:         "http",
			PollInterval: 10 * time.Second,
			ProbeTimeout: 3 * time.Second,
			HealthPath:   "/healthz",
			PresencePath: "/api/v1/presence",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
		Dev: DevConfig{
			ServerAddr: "127.0.0.1:8787",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if !strings.HasPrefix(c.API.NotesEndpoint, "/") || !strings.HasPrefix(c.API.BookmarksEndpoint, "/") {
		return errors.New("api endpoints must start with /")
	}

	if c.Storage.LogPath == "" {
		return errors.New("storage.log_path is required")
	}

	validDrivers := map[string]bool{"sqlite3": true, "sqlite": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	validModes := map[string]bool{"http": true, "presence": true, "manual": true}
	if !validModes[c.Connectivity.Mode] {
		return fmt.Errorf("invalid connectivity mode: %s", c.Connectivity.Mode)
	}

	if c.Connectivity.Mode != "manual" && c.Connectivity.PollInterval <= 0 {
		return errors.New("connectivity.poll_interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.LogPath),
	}

	if c.Auth.TokenFile != "" {
		dirs = append(dirs, filepath.Dir(c.Auth.TokenFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
