package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envKeys lists every key that may be overridden from the environment.
// MARKSYNC_API_BASE_URL maps to api.base_url and so on.
var envKeys = []string{
	"api.base_url",
	"api.timeout",
	"api.user_agent",
	"api.notes_endpoint",
	"api.bookmarks_endpoint",
	"auth.token_file",
	"auth.token",
	"storage.data_dir",
	"storage.log_path",
	"storage.driver",
	"sync.max_retries",
	"sync.max_concurrent",
	"sync.flush_on_enqueue",
	"connectivity.mode",
	"connectivity.poll_interval",
	"connectivity.probe_timeout",
	"connectivity.health_path",
	"connectivity.presence_path",
	"connectivity.metered",
	"log.level",
	"log.format",
	"log.file",
	"log.color",
	"dev.strict",
	"dev.server_addr",
	"dev.server_token",
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "MARKSYNC",
		v:          viper.New(),
	}
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.configPath
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if l.configPath == "" {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				break
			}
		}
	}

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}

	// Override with environment variables
	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := l.v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Moving the data dir moves the files that live under it unless they
	// were pinned explicitly.
	if l.v.IsSet("storage.data_dir") {
		if !l.v.IsSet("storage.log_path") {
			cfg.Storage.LogPath = filepath.Join(cfg.Storage.DataDir, "oplog.db")
		}
		if !l.v.IsSet("auth.token_file") {
			cfg.Auth.TokenFile = filepath.Join(cfg.Storage.DataDir, "auth", "token.json")
		}
	}

	cfg.Auth.TokenFile = expandHome(cfg.Auth.TokenFile)
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.LogPath = expandHome(cfg.Storage.LogPath)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"marksync.yaml",
		".marksync.yaml",
		"marksync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "marksync", "config.yaml"),
			filepath.Join(homeDir, ".marksync", "config.yaml"),
		)
	}

	return paths
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := yaml.Marshal(exampleView(cfg))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	example := "# marksync configuration file\n" +
		"# Environment variables override these settings using the MARKSYNC_ prefix,\n" +
		"# for example: MARKSYNC_LOG_LEVEL=debug\n\n" + string(data)

	if err := os.WriteFile(path, []byte(example), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}

// exampleView renders durations as strings so the file reads back through viper.
func exampleView(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"api": map[string]interface{}{
			"base_url":           cfg.API.BaseURL,
			"timeout":            cfg.API.Timeout.String(),
			"user_agent":         cfg.API.UserAgent,
			"notes_endpoint":     cfg.API.NotesEndpoint,
			"bookmarks_endpoint": cfg.API.BookmarksEndpoint,
		},
		"auth": map[string]interface{}{
			"token_file": cfg.Auth.TokenFile,
		},
		"storage": map[string]interface{}{
			"data_dir": cfg.Storage.DataDir,
			"log_path": cfg.Storage.LogPath,
			"driver":   cfg.Storage.Driver,
		},
		"sync": map[string]interface{}{
			"max_retries":      cfg.Sync.MaxRetries,
			"max_concurrent":   cfg.Sync.MaxConcurrent,
			"flush_on_enqueue": cfg.Sync.FlushOnEnqueue,
		},
		"connectivity": map[string]interface{}{
			"mode":          cfg.Connectivity.Mode,
			"poll_interval": cfg.Connectivity.PollInterval.String(),
			"probe_timeout": cfg.Connectivity.ProbeTimeout.String(),
			"health_path":   cfg.Connectivity.HealthPath,
			"presence_path": cfg.Connectivity.PresencePath,
			"metered":       cfg.Connectivity.Metered,
		},
		"log": map[string]interface{}{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
			"file":   cfg.Log.File,
			"color":  cfg.Log.Color,
		},
	}
}
