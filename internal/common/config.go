// Package common provides shared utilities for the daemon.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the daemon (spec §6.4).
type Config struct {
	Environment string        `toml:"environment"`
	DataDir     string        `toml:"data_dir"`
	RPCBind     string        `toml:"rpc_bind"`
	Worker      WorkerConfig  `toml:"worker"`
	Probe       ProbeConfig   `toml:"probe"`
	Maintenance MaintConfig   `toml:"maintenance"`
	Handlers    HandlerConfig `toml:"handlers"`
	Logging     LoggingConfig `toml:"logging"`
	Auth        AuthConfig    `toml:"auth"`
	Storage     StorageConfig `toml:"storage"`
}

// StorageConfig tunes the embedded job store (spec §4.C).
type StorageConfig struct {
	// EncryptionKeyHex, when set, enables at-rest encryption of job
	// payload/env_allowlist columns (hex-encoded 32-byte key).
	EncryptionKeyHex string `toml:"encryption_key_hex"`
}

// WorkerConfig sizes the worker pool per queue (spec §6.4).
type WorkerConfig struct {
	Queues      []string `toml:"queues"`
	SlotsPerQueue int    `toml:"slots_per_queue"`
}

// ProbeConfig tunes the system probe thresholds (spec §6.4).
type ProbeConfig struct {
	IdleCPUThresholdPct     float64 `toml:"idle_cpu_threshold_pct"`
	CPUThrottleThresholdPct float64 `toml:"cpu_throttle_threshold_pct"`
}

// MaintConfig tunes retention and compaction (spec §6.4).
type MaintConfig struct {
	RetentionDays         int    `toml:"retention_days"`
	ArtifactRetentionDays int    `toml:"artifact_retention_days"`
	MaxDBSizeMB           int64  `toml:"max_db_size_mb"`
	ArtifactsDir          string `toml:"artifacts_dir"`
	RecoveryWindowMS      int64  `toml:"recovery_window_ms"`
}

// HandlerConfig tunes request validation and rate limiting (spec §4.J).
type HandlerConfig struct {
	MaxPayloadBytes int     `toml:"max_payload_bytes"`
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	RateLimitBurst  int32   `toml:"rate_limit_burst"`
}

// AuthConfig holds the JWT bearer-token secret for enqueue/cancel/
// maintenance requests (spec §4.J admin surface).
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with the spec's documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataDir:     "data",
		RPCBind:     "127.0.0.1:8765",
		Worker: WorkerConfig{
			Queues:        []string{"default"},
			SlotsPerQueue: 1,
		},
		Probe: ProbeConfig{
			IdleCPUThresholdPct:     30,
			CPUThrottleThresholdPct: 90,
		},
		Maintenance: MaintConfig{
			RetentionDays:         7,
			ArtifactRetentionDays: 3,
			MaxDBSizeMB:           1000,
			RecoveryWindowMS:      0,
		},
		Handlers: HandlerConfig{
			MaxPayloadBytes: 10_000_000,
			RateLimitPerSec: 50,
			RateLimitBurst:  50,
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/taskord-daemon.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Storage: StorageConfig{},
	}
}

// LoadConfig loads configuration from files with environment overrides,
// merging later files over earlier ones, then environment overrides over
// all files.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies TASKORD_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TASKORD_ENV"); env != "" {
		config.Environment = env
	}
	if dir := os.Getenv("TASKORD_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if bind := os.Getenv("TASKORD_RPC_BIND"); bind != "" {
		config.RPCBind = bind
	}
	if level := os.Getenv("TASKORD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("TASKORD_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("TASKORD_MAX_DB_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Maintenance.MaxDBSizeMB = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DBPath returns the path to the embedded database file under DataDir
// (spec §6.2); it is relative when DataDir is relative.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

// LogsDir returns the per-job log directory under DataDir (spec §6.2).
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ArtifactsDirOrDefault returns the configured artifacts directory, defaulting to
// a subdirectory of DataDir when unset.
func (c *Config) ArtifactsDirOrDefault() string {
	if c.Maintenance.ArtifactsDir != "" {
		return c.Maintenance.ArtifactsDir
	}
	return filepath.Join(c.DataDir, "artifacts")
}
