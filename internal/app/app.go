// Package app provides application initialization and dependency wiring.
//
// App is the container holding every tier adapter and engine, plus the
// facade operations the CLI calls. All traffic is gated on the schema
// guard: nothing runs against a schema version this build was not written
// for. A passing check is remembered so reads do not pay a guard query per
// call; ValidateSchema re-checks explicitly.
package app

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membank/membank/internal/audit"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/consolidate"
	"github.com/membank/membank/internal/decay"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/retrieval"
	"github.com/membank/membank/internal/schemaguard"
	"github.com/membank/membank/internal/tier"
	"github.com/membank/membank/internal/tier/analytical"
	"github.com/membank/membank/internal/tier/cache"
	"github.com/membank/membank/internal/tier/fulltext"
	"github.com/membank/membank/internal/tier/relational"
	"github.com/membank/membank/internal/tier/vector"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool *pgxpool.Pool

	// Tier adapters
	Relational *relational.Store
	Vector     *vector.Store
	Fulltext   *fulltext.Store
	Cache      *cache.Adapter
	Analytics  *analytical.Store

	// Engines
	Audit     *audit.Writer
	Guard     *schemaguard.Guard
	Engine    *consolidate.Engine
	Retrieval *retrieval.Orchestrator
	Decay     *decay.Scheduler

	schemaOK atomic.Bool
}

// ensureSchema gates an operation on the schema guard. The first passing
// check is cached; a mismatch stays fatal until ValidateSchema observes a
// corrected schema.
func (a *App) ensureSchema(ctx context.Context) error {
	if a.schemaOK.Load() {
		return nil
	}
	if err := a.Guard.Validate(ctx); err != nil {
		return err
	}
	a.schemaOK.Store(true)
	return nil
}

// Close releases all resources. Safe to call on a partially initialized App.
func (a *App) Close() error {
	a.logger().Info("shutting down")

	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Analytics != nil {
		if err := a.Analytics.Close(); err != nil {
			a.logger().Warn("closing analytical store", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.logger().Info("database pool closed")
	}
	return nil
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// ConsolidateBatch migrates one batch of legacy records. The schema guard
// runs first: a mismatched or dirty schema aborts before any write.
func (a *App) ConsolidateBatch(ctx context.Context, req consolidate.MigrateRequest) (consolidate.MigrationReport, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return consolidate.MigrationReport{}, err
	}
	return a.Engine.Migrate(ctx, req)
}

// RollbackBatch undoes one migration batch, guard-first.
func (a *App) RollbackBatch(ctx context.Context, batchID, actor string) (consolidate.RollbackReport, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return consolidate.RollbackReport{}, err
	}
	return a.Engine.Rollback(ctx, batchID, actor)
}

// GetMemory reads one memory within the tenant scope.
func (a *App) GetMemory(ctx context.Context, tenantID, id, actor string) (memory.Memory, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return memory.Memory{}, err
	}
	return a.Retrieval.Get(ctx, tenantID, id, actor)
}

// SearchMemory dispatches the search to the right tier.
func (a *App) SearchMemory(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.Result, error) {
	if err := a.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return a.Retrieval.Search(ctx, req)
}

// ValidateSchema reports the live schema state against the expected
// version and refreshes the traffic gate. Read-only; never mutates.
func (a *App) ValidateSchema(ctx context.Context) (schemaguard.Status, error) {
	st, err := a.Guard.Check(ctx)
	a.schemaOK.Store(err == nil && st.OK)
	return st, err
}

// HealthStatus reports per-tier liveness plus the schema state.
type HealthStatus struct {
	Tiers    map[tier.Name]bool
	SchemaOK bool
}

// Health probes every configured tier.
func (a *App) Health(ctx context.Context) HealthStatus {
	st := HealthStatus{Tiers: map[tier.Name]bool{}}

	st.Tiers[tier.Relational] = a.Relational.HealthCheck(ctx)
	st.Tiers[tier.Vector] = a.Vector.HealthCheck(ctx)
	st.Tiers[tier.Fulltext] = a.Fulltext.HealthCheck(ctx)
	st.Tiers[tier.Cache] = a.Cache.HealthCheck(ctx)
	st.Tiers[tier.Analytical] = a.Analytics.HealthCheck(ctx)

	schema, err := a.Guard.Check(ctx)
	st.SchemaOK = err == nil && schema.OK
	return st
}

// RunDecay blocks running the maintenance scheduler until ctx is cancelled.
func (a *App) RunDecay(ctx context.Context) {
	a.Decay.Run(ctx)
}

// RunDecayOnce triggers one maintenance cycle immediately.
func (a *App) RunDecayOnce(ctx context.Context) (decay.Stats, error) {
	return a.Decay.RunOnce(ctx)
}
