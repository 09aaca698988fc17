// Package analytical implements the analytical tier on an embedded SQLite
// database.
//
// The tier holds per-tenant rollups derived from the relational tier. It is
// read-only from the caller's perspective: only the scheduled re-derivation
// job may rebuild it, and any direct Put or Delete from request-serving
// code fails with a read-only violation.
package analytical

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_rollups (
    tenant_id      TEXT NOT NULL,
    decay_tier     TEXT NOT NULL,
    memory_type    TEXT NOT NULL,
    memory_count   INTEGER NOT NULL,
    avg_importance REAL NOT NULL,
    derived_at     DATETIME NOT NULL,
    PRIMARY KEY (tenant_id, decay_tier, memory_type)
);
`

// Rollup is one aggregate row: how many memories a tenant holds per decay
// tier and memory type, and their average importance.
type Rollup struct {
	TenantID      string
	DecayTier     memory.DecayTier
	MemoryType    memory.Type
	Count         int64
	AvgImportance float64
	DerivedAt     time.Time
}

// Store is the SQLite-backed analytical tier.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the analytical store at the given path, creating parent
// directories and the schema as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating analytical store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening analytical store: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring analytical store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating analytical schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Name implements tier.Adapter.
func (s *Store) Name() tier.Name { return tier.Analytical }

// Put always fails: the analytical tier is populated exclusively by the
// scheduled re-derivation job.
func (s *Store) Put(_ context.Context, m memory.Memory) error {
	return memory.E(memory.KindReadOnly, m.ID, "analytical tier does not accept direct writes")
}

// Get always misses: the tier holds aggregates, not individual memories.
func (s *Store) Get(_ context.Context, id, _ string) (memory.Memory, error) {
	return memory.Memory{}, memory.E(memory.KindNotFound, id, "analytical tier holds aggregates only")
}

// Query yields nothing; use Rollups for the aggregate view.
func (s *Store) Query(_ context.Context, _ tier.Filter) iter.Seq2[memory.Memory, error] {
	return func(func(memory.Memory, error) bool) {}
}

// Delete always fails for the same reason Put does.
func (s *Store) Delete(_ context.Context, id, _ string) error {
	return memory.E(memory.KindReadOnly, id, "analytical tier does not accept direct deletes")
}

// HealthCheck implements tier.Adapter.
func (s *Store) HealthCheck(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx) == nil
}

// Rebuild atomically replaces all rollups. Called only by the decay
// scheduler's re-derivation step.
func (s *Store) Rebuild(ctx context.Context, rollups []Rollup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Wrap(memory.KindTransientStore, "", "starting rollup rebuild", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_rollups`); err != nil {
		return memory.Wrap(memory.KindTransientStore, "", "clearing rollups", err)
	}

	now := time.Now().UTC()
	for _, r := range rollups {
		derivedAt := r.DerivedAt
		if derivedAt.IsZero() {
			derivedAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_rollups (tenant_id, decay_tier, memory_type, memory_count, avg_importance, derived_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.TenantID, string(r.DecayTier), string(r.MemoryType), r.Count, r.AvgImportance, derivedAt,
		)
		if err != nil {
			return memory.Wrap(memory.KindTransientStore, "", "writing rollup", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return memory.Wrap(memory.KindTransientStore, "", "committing rollup rebuild", err)
	}
	s.logger.Debug("analytical tier rebuilt", "rollups", len(rollups))
	return nil
}

// Rollups returns the aggregate view for one tenant.
func (s *Store) Rollups(ctx context.Context, tenantID string) ([]Rollup, error) {
	if tenantID == "" {
		return nil, memory.E(memory.KindValidation, "", "rollup read requires tenant_id")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, decay_tier, memory_type, memory_count, avg_importance, derived_at
		 FROM memory_rollups
		 WHERE tenant_id = ?
		 ORDER BY decay_tier, memory_type`,
		tenantID,
	)
	if err != nil {
		return nil, memory.Wrap(memory.KindTransientStore, "", "reading rollups", err)
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var (
			r         Rollup
			decayTier string
			memType   string
		)
		if err := rows.Scan(&r.TenantID, &decayTier, &memType, &r.Count, &r.AvgImportance, &r.DerivedAt); err != nil {
			return nil, memory.Wrap(memory.KindTransientStore, "", "scanning rollup", err)
		}
		r.DecayTier = memory.DecayTier(decayTier)
		r.MemoryType = memory.Type(memType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
