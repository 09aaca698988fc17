// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.membank/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Backup: local directory or S3-compatible object store
//   - Cache: in-process hot-tier sizing and TTL
//   - Decay: scheduler interval, half-lives and demotion window
//   - Schema: the migration version this build expects
//
// Security: Sensitive data (passwords, secret keys) are never logged;
// config directory uses 0750 permissions.
// Validation: Range checks in validation.go with sentinel errors for
// errors.Is() checking.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidSchemaVersion indicates the expected schema version is invalid.
	ErrInvalidSchemaVersion = errors.New("invalid expected schema version")

	// ErrInvalidHalfLives indicates the decay half-lives are not strictly increasing.
	ErrInvalidHalfLives = errors.New("invalid decay half-lives")

	// ErrInvalidCacheTTL indicates the cache TTL is out of range.
	ErrInvalidCacheTTL = errors.New("invalid cache TTL")

	// ErrInvalidBackupTarget indicates the backup configuration is incomplete.
	ErrInvalidBackupTarget = errors.New("invalid backup target")

	// ErrInvalidEmbedderDimension indicates the embedding dimension is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")
)

// ExpectedSchemaVersion is the migration version this build is written
// against. Bump it together with every new file under db/migrations.
const ExpectedSchemaVersion uint = 5

// BackupConfig selects where pre-migration snapshots go. When Endpoint is
// empty, snapshots are written to Dir on the local filesystem.
type BackupConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`

	// S3-compatible object store (MinIO, S3).
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"` // SENSITIVE: masked in MarshalJSON
	Bucket    string `mapstructure:"bucket" json:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl"`
}

// MarshalJSON masks the secret key.
func (b BackupConfig) MarshalJSON() ([]byte, error) {
	type alias BackupConfig
	a := alias(b)
	a.SecretKey = maskSecret(a.SecretKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal backup config: %w", err)
	}
	return data, nil
}

// DecayConfig tunes the background maintenance cycle.
type DecayConfig struct {
	Interval       time.Duration `mapstructure:"interval" json:"interval"`
	ShortHalfLife  time.Duration `mapstructure:"short_half_life" json:"short_half_life"`
	MediumHalfLife time.Duration `mapstructure:"medium_half_life" json:"medium_half_life"`
	LongHalfLife   time.Duration `mapstructure:"long_half_life" json:"long_half_life"`
	DemotionWindow time.Duration `mapstructure:"demotion_window" json:"demotion_window"`
	BatchSize      int           `mapstructure:"batch_size" json:"batch_size"`
	Workers        int           `mapstructure:"workers" json:"workers"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" json:"rate_per_second"`
}

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, keys, tokens), update MarshalJSON.
type Config struct {
	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Analytical tier (SQLite rollup database)
	AnalyticsPath string `mapstructure:"analytics_path" json:"analytics_path"`

	// Cache tier
	CacheTTL     time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	CacheMaxCost int64         `mapstructure:"cache_max_cost" json:"cache_max_cost"`

	// Vector tier
	EmbedderDimension int `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Consolidation
	MigrationBatchSize int          `mapstructure:"migration_batch_size" json:"migration_batch_size"`
	PromoteThreshold   int          `mapstructure:"promote_threshold" json:"promote_threshold"`
	Backup             BackupConfig `mapstructure:"backup" json:"backup"`

	// Decay scheduler
	Decay DecayConfig `mapstructure:"decay" json:"decay"`

	// Schema guard. Defaults to ExpectedSchemaVersion; override only when
	// intentionally running against a pinned older schema.
	SchemaVersion uint `mapstructure:"schema_version" json:"schema_version"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".membank")

	// Ensure directory exists (0750 for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, if set, overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "membank")
	viper.SetDefault("postgres_password", "membank_dev_password")
	viper.SetDefault("postgres_db_name", "membank")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Analytical tier
	viper.SetDefault("analytics_path", "membank_rollups.db")

	// Cache tier
	viper.SetDefault("cache_ttl", "15m")
	viper.SetDefault("cache_max_cost", 64<<20)

	// Vector tier
	viper.SetDefault("embedder_dimension", 768)

	// Consolidation
	viper.SetDefault("migration_batch_size", 100)
	viper.SetDefault("promote_threshold", 8)
	viper.SetDefault("backup.dir", "backups")
	viper.SetDefault("backup.use_ssl", true)

	// Decay scheduler
	viper.SetDefault("decay.interval", "1h")
	viper.SetDefault("decay.short_half_life", "24h")
	viper.SetDefault("decay.medium_half_life", "168h")
	viper.SetDefault("decay.long_half_life", "2160h")
	viper.SetDefault("decay.demotion_window", "168h")
	viper.SetDefault("decay.batch_size", 500)
	viper.SetDefault("decay.workers", 4)
	viper.SetDefault("decay.rate_per_second", 50)

	// Schema guard
	viper.SetDefault("schema_version", ExpectedSchemaVersion)

	// Logging
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
}

// bindEnvVariables binds sensitive environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Object store credentials
	mustBind("backup.endpoint", "MEMBANK_BACKUP_ENDPOINT")
	mustBind("backup.access_key", "MEMBANK_BACKUP_ACCESS_KEY")
	mustBind("backup.secret_key", "MEMBANK_BACKUP_SECRET_KEY")
	mustBind("backup.bucket", "MEMBANK_BACKUP_BUCKET")

	// Logging overrides
	mustBind("log_level", "MEMBANK_LOG_LEVEL")
	mustBind("log_json", "MEMBANK_LOG_JSON")

	// NOTE: DATABASE_URL is read directly in parseDatabaseURL, not via Viper.
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - Backup.SecretKey (via BackupConfig.MarshalJSON)
//
// When adding new sensitive fields, update this method or the nested
// struct's MarshalJSON.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// ObjectBackupEnabled reports whether pre-migration snapshots go to an
// S3-compatible store rather than the local filesystem.
func (c *Config) ObjectBackupEnabled() bool {
	return c.Backup.Endpoint != ""
}
