package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/membank/membank/db"
	"github.com/membank/membank/internal/audit"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/consolidate"
	"github.com/membank/membank/internal/decay"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/retrieval"
	"github.com/membank/membank/internal/schemaguard"
	"github.com/membank/membank/internal/tier/analytical"
	"github.com/membank/membank/internal/tier/cache"
	"github.com/membank/membank/internal/tier/fulltext"
	"github.com/membank/membank/internal/tier/relational"
	"github.com/membank/membank/internal/tier/vector"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
//
// embedder may be nil: semantic writes are then deferred and the vector
// tier is maintained solely from embeddings the legacy records carry.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger, embedder memory.Embedder) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	if a.Relational, err = relational.New(pool, logger); err != nil {
		return nil, err
	}
	if a.Vector, err = vector.New(pool, cfg.EmbedderDimension, logger); err != nil {
		return nil, err
	}
	if a.Fulltext, err = fulltext.New(pool, logger); err != nil {
		return nil, err
	}
	if a.Cache, err = cache.New(cfg.CacheTTL, logger); err != nil {
		return nil, err
	}
	if a.Analytics, err = analytical.Open(cfg.AnalyticsPath, logger); err != nil {
		return nil, err
	}

	a.Audit = audit.NewWriter(pool, logger)

	if a.Guard, err = schemaguard.New(pool, cfg.SchemaVersion, logger); err != nil {
		return nil, err
	}

	backup, err := provideBackupWriter(cfg)
	if err != nil {
		return nil, err
	}

	a.Engine, err = consolidate.New(a.Relational, a.Vector, a.Fulltext, a.Cache, a.Audit,
		consolidate.Options{
			Embedder:         embedder,
			Backup:           backup,
			PromoteThreshold: cfg.PromoteThreshold,
		}, logger)
	if err != nil {
		return nil, err
	}

	a.Retrieval, err = retrieval.New(a.Relational, a.Cache, a.Vector, a.Fulltext, a.Audit, logger)
	if err != nil {
		return nil, err
	}

	a.Decay, err = decay.New(a.Relational, a.Vector, a.Cache, a.Audit, a.Audit, a.Analytics, embedder,
		decay.Config{
			Interval: cfg.Decay.Interval,
			HalfLives: decay.HalfLives{
				Short:  cfg.Decay.ShortHalfLife,
				Medium: cfg.Decay.MediumHalfLife,
				Long:   cfg.Decay.LongHalfLife,
			},
			DemotionWindow: cfg.Decay.DemotionWindow,
			BatchSize:      cfg.Decay.BatchSize,
			Workers:        cfg.Decay.Workers,
			RatePerSecond:  cfg.Decay.RatePerSecond,
		}, logger)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// provideDBPool creates a PostgreSQL connection pool and runs migrations.
// Pool is configured with sensible defaults for connection management.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideBackupWriter selects the pre-migration snapshot target: an
// S3-compatible object store when an endpoint is configured, the local
// filesystem otherwise.
func provideBackupWriter(cfg *config.Config) (consolidate.BackupWriter, error) {
	if !cfg.ObjectBackupEnabled() {
		return consolidate.DirBackup{Dir: cfg.Backup.Dir}, nil
	}

	client, err := minio.New(cfg.Backup.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Backup.AccessKey, cfg.Backup.SecretKey, ""),
		Secure: cfg.Backup.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return consolidate.ObjectBackup{Client: client, Bucket: cfg.Backup.Bucket}, nil
}
