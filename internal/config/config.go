// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	App     AppConfig
	Logger  LoggerConfig
	Storage StorageConfig
	Sync    SyncConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// StorageConfig holds local datastore configuration.
type StorageConfig struct {
	DataPath       string        // Base directory for the database and KV store
	BusyTimeout    time.Duration // SQLite busy timeout (default: 5s)
	QueryChunkSize int           // Subjects per batch query chunk, clamped to 100..500 (default: 250)
}

// SyncConfig holds reconciliation configuration.
type SyncConfig struct {
	Interval       time.Duration // Time between background sync runs (default: 5m)
	BatchSize      int           // Records per push/pull page (default: 200)
	ConflictPolicy string        // Which side stays live on conflict: local or remote (default: local)
}

// DatabasePath returns the SQLite file location.
func (c StorageConfig) DatabasePath() string {
	return filepath.Join(c.DataPath, "partograph.db")
}

// KVPath returns the badger directory used for device identity and sync cursors.
func (c StorageConfig) KVPath() string {
	return filepath.Join(c.DataPath, "kv")
}

// LoadConfig loads configuration from the process arguments.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("chartstore", flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	dataPath := fs.String("data-path", "", "Base path for the local datastore")
	busyTimeout := fs.String("busy-timeout", "", "SQLite busy timeout (default: 5s)")
	chunkSize := fs.String("query-chunk-size", "", "Subjects per batch query chunk (default: 250)")
	syncInterval := fs.String("sync-interval", "", "Background sync interval (default: 5m)")
	syncBatch := fs.String("sync-batch-size", "", "Records per sync page (default: 200)")
	conflictPolicy := fs.String("conflict-policy", "", "Conflict policy: local or remote (default: local)")
	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			DataPath:       getConfigValue(*dataPath, "DATA_PATH", ""),
			QueryChunkSize: getIntConfigValue(*chunkSize, "QUERY_CHUNK_SIZE", 250),
		},
		Sync: SyncConfig{
			BatchSize:      getIntConfigValue(*syncBatch, "SYNC_BATCH_SIZE", 200),
			ConflictPolicy: strings.ToLower(getConfigValue(*conflictPolicy, "CONFLICT_POLICY", "local")),
		},
	}

	var err error
	if cfg.Storage.BusyTimeout, err = getDurationConfigValue(*busyTimeout, "SQLITE_BUSY_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.Sync.Interval, err = getDurationConfigValue(*syncInterval, "SYNC_INTERVAL", "5m"); err != nil {
		return nil, err
	}

	if err := cfg.expandDataPath(); err != nil {
		return nil, fmt.Errorf("invalid data path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %q (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Storage.DataPath == "" {
		return errors.New("data path cannot be empty after expansion")
	}
	if c.Storage.BusyTimeout <= 0 {
		return errors.New("busy timeout must be positive")
	}
	if c.Storage.QueryChunkSize < 100 || c.Storage.QueryChunkSize > 500 {
		return fmt.Errorf("query chunk size %d out of range (100..500)", c.Storage.QueryChunkSize)
	}

	if c.Sync.Interval <= 0 {
		return errors.New("sync interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync batch size must be positive")
	}
	if c.Sync.ConflictPolicy != "local" && c.Sync.ConflictPolicy != "remote" {
		return fmt.Errorf("invalid conflict policy: %s (must be local or remote)", c.Sync.ConflictPolicy)
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty, the default is used unchanged.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDataPath defaults the data path to ~/Partograph/data.
func (c *Config) expandDataPath() error {
	defaultPath := ""
	if c.Storage.DataPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		defaultPath = filepath.Join(homeDir, "Partograph", "data")
	}

	expanded, err := expandPath(c.Storage.DataPath, defaultPath)
	if err != nil {
		return err
	}
	c.Storage.DataPath = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// getDurationConfigValue parses a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	strValue := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", strings.ToLower(envKey), strValue, err)
	}
	return d, nil
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Real environment variables win over the file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
