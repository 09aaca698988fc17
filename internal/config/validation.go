package config

import (
	"fmt"
	"log/slog"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}

	// Warn if using default dev password (but don't block - user might be in dev)
	if c.PostgresPassword == "membank_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v\n"+
			"Note: 'allow' and 'prefer' modes are deprecated (vulnerable to MITM attacks)",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 2. Schema guard validation
	if c.SchemaVersion == 0 {
		return fmt.Errorf("%w: schema_version must be positive", ErrInvalidSchemaVersion)
	}

	// 3. Cache tier validation
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive, got %s", ErrInvalidCacheTTL, c.CacheTTL)
	}

	// 4. Vector tier validation. pgvector supports up to 16000 dimensions;
	// anything beyond 4096 cannot be indexed.
	if c.EmbedderDimension < 1 || c.EmbedderDimension > 4096 {
		return fmt.Errorf("%w: must be between 1 and 4096, got %d",
			ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	// 5. Decay half-lives must follow the tier ordering.
	d := c.Decay
	if d.ShortHalfLife <= 0 || d.MediumHalfLife <= d.ShortHalfLife || d.LongHalfLife <= d.MediumHalfLife {
		return fmt.Errorf("%w: require 0 < short (%s) < medium (%s) < long (%s)",
			ErrInvalidHalfLives, d.ShortHalfLife, d.MediumHalfLife, d.LongHalfLife)
	}

	// 6. Backup target validation. Object-store mode needs the full
	// credential set; filesystem mode needs a directory.
	b := c.Backup
	if b.Endpoint != "" {
		if b.AccessKey == "" || b.SecretKey == "" || b.Bucket == "" {
			return fmt.Errorf("%w: backup endpoint %q set but access_key, secret_key or bucket missing",
				ErrInvalidBackupTarget, b.Endpoint)
		}
	} else if b.Dir == "" {
		return fmt.Errorf("%w: neither backup.endpoint nor backup.dir is set", ErrInvalidBackupTarget)
	}

	return nil
}
