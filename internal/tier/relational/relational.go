// Package relational implements the source-of-truth tier on PostgreSQL.
//
// The relational tier is authoritative for every non-embedding field of a
// canonical memory. It also persists the migration-tracking table, the
// relationship edges and the append-only audit log, all of which are
// relational data by nature.
//
// Concurrency: writes use optimistic versioning. Every memory row carries a
// version counter; an update only succeeds when the caller's version still
// matches, which serializes writers on the same id without any in-process
// locking.
package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

// MetaVectorPending marks a memory whose vector-tier entry is missing
// (for example when the vector write was cancelled mid-flight). The decay
// scheduler reconciles flagged rows on its next pass.
const MetaVectorPending = "vector_pending"

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// memoryCols is the standard SELECT column list for scanMemory.
const memoryCols = `id, tenant_id, user_id, text, memory_type, decay_tier,
	importance, tags, meta, created_at, updated_at, source_system,
	version, access_count, last_accessed_at`

// Store is the PostgreSQL-backed relational tier.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates the relational tier store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Name implements tier.Adapter.
func (s *Store) Name() tier.Name { return tier.Relational }

// Pool exposes the underlying pool for components that share the store's
// database (audit writer, schema guard).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Put inserts a new memory or updates an existing one.
//
// Version 0 means "create": the insert fails with KindConflict when the id
// already exists. A non-zero version means "update": the row is rewritten
// only when the stored version still matches, and the counter advances.
func (s *Store) Put(ctx context.Context, m memory.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(m.Meta)
	if err != nil {
		return memory.Wrap(memory.KindValidation, m.ID, "meta not serializable", err)
	}

	return tier.WithRetry(ctx, s.logger, "relational.put", func(ctx context.Context) error {
		if m.Version == 0 {
			return s.insert(ctx, m, metaJSON)
		}
		return s.update(ctx, m, metaJSON)
	})
}

func (s *Store) insert(ctx context.Context, m memory.Memory, metaJSON []byte) error {
	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, tenant_id, user_id, text, memory_type, decay_tier,
			importance, tags, meta, created_at, updated_at, source_system, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		m.ID, m.TenantID, m.UserID, m.Text, string(m.MemoryType), string(m.DecayTier),
		m.Importance, m.Tags, metaJSON, now, updated, m.SourceSystem,
	)
	if err != nil {
		return s.classify(err, m.ID, "inserting memory")
	}
	return nil
}

func (s *Store) update(ctx context.Context, m memory.Memory, metaJSON []byte) error {
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE memories
		 SET text = $1, memory_type = $2, decay_tier = $3, importance = $4,
		     tags = $5, meta = $6, updated_at = $7, version = version + 1
		 WHERE id = $8 AND tenant_id = $9 AND version = $10`,
		m.Text, string(m.MemoryType), string(m.DecayTier), m.Importance,
		m.Tags, metaJSON, updated, m.ID, m.TenantID, m.Version,
	)
	if err != nil {
		return s.classify(err, m.ID, "updating memory")
	}
	if tag.RowsAffected() == 0 {
		return memory.E(memory.KindConflict, m.ID, "version changed or row missing")
	}
	return nil
}

// Get retrieves one memory scoped by tenant.
func (s *Store) Get(ctx context.Context, id, tenantID string) (memory.Memory, error) {
	var m memory.Memory
	err := tier.WithRetry(ctx, s.logger, "relational.get", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+memoryCols+` FROM memories WHERE id = $1 AND tenant_id = $2`,
			id, tenantID,
		)
		var scanErr error
		m, scanErr = scanMemory(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return memory.E(memory.KindNotFound, id, "no memory for id within tenant")
		}
		if scanErr != nil {
			return s.classify(scanErr, id, "reading memory")
		}
		return nil
	})
	if err != nil {
		return memory.Memory{}, err
	}
	return m, nil
}

// GetByID fetches a memory without a tenant scope. Reserved for internal
// maintenance paths (rollback, reconciliation); never exposed to callers
// acting on behalf of a tenant.
func (s *Store) GetByID(ctx context.Context, id string) (memory.Memory, error) {
	var m memory.Memory
	err := tier.WithRetry(ctx, s.logger, "relational.get_by_id", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+memoryCols+` FROM memories WHERE id = $1`, id)
		var scanErr error
		m, scanErr = scanMemory(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return memory.E(memory.KindNotFound, id, "no memory for id")
		}
		if scanErr != nil {
			return s.classify(scanErr, id, "reading memory")
		}
		return nil
	})
	if err != nil {
		return memory.Memory{}, err
	}
	return m, nil
}

// Query streams memories matching the structured filter, newest first.
func (s *Store) Query(ctx context.Context, f tier.Filter) iter.Seq2[memory.Memory, error] {
	return func(yield func(memory.Memory, error) bool) {
		if err := f.Validate(); err != nil {
			yield(memory.Memory{}, err)
			return
		}

		sql, args := buildFilterSQL(f)
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(memory.Memory{}, s.classify(err, "", "querying memories"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				yield(memory.Memory{}, s.classify(err, "", "scanning memory row"))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(memory.Memory{}, s.classify(err, "", "iterating memory rows"))
		}
	}
}

// buildFilterSQL assembles the WHERE clause from the filter. All values are
// bound parameters; no user input reaches the SQL text.
func buildFilterSQL(f tier.Filter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + memoryCols + ` FROM memories WHERE tenant_id = $1`)
	args := []any{f.TenantID}

	add := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+cond, len(args))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.DecayTier != "" {
		add("decay_tier = $%d", string(f.DecayTier))
	}
	if f.MemoryType != "" {
		add("memory_type = $%d", string(f.MemoryType))
	}
	if f.ImportanceMin > 0 {
		add("importance >= $%d", f.ImportanceMin)
	}
	if f.ImportanceMax > 0 {
		add("importance <= $%d", f.ImportanceMax)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	b.WriteString(" ORDER BY created_at DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	return b.String(), args
}

// Delete removes the memory within the tenant scope. Relationship edges go
// with it via ON DELETE CASCADE. Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	return tier.WithRetry(ctx, s.logger, "relational.delete", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM memories WHERE id = $1 AND tenant_id = $2`,
			id, tenantID,
		)
		if err != nil {
			return s.classify(err, id, "deleting memory")
		}
		return nil
	})
}

// HealthCheck implements tier.Adapter.
func (s *Store) HealthCheck(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx) == nil
}

// TouchAccess bumps the access counter for the demotion-window check.
// Deliberately leaves updated_at alone so reads do not reset decay.
func (s *Store) TouchAccess(ctx context.Context, id, tenantID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE memories
		 SET access_count = access_count + 1, last_accessed_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return s.classify(err, id, "recording access")
	}
	return nil
}

// DecayCandidates lists memories of one decay tier whose updated_at is
// older than the cutoff, across all tenants. Only the decay scheduler
// calls this.
func (s *Store) DecayCandidates(ctx context.Context, d memory.DecayTier, olderThan time.Time, limit int) ([]memory.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+` FROM memories
		 WHERE decay_tier = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(d), olderThan, limit,
	)
	if err != nil {
		return nil, s.classify(err, "", "listing decay candidates")
	}
	defer rows.Close()
	return collectMemories(rows)
}

// VectorPending lists memories flagged for vector-tier reconciliation.
func (s *Store) VectorPending(ctx context.Context, limit int) ([]memory.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+` FROM memories
		 WHERE meta @> $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		[]byte(`{"`+MetaVectorPending+`":"true"}`), limit,
	)
	if err != nil {
		return nil, s.classify(err, "", "listing vector-pending memories")
	}
	defer rows.Close()
	return collectMemories(rows)
}

// TierCount is one row of the per-tenant aggregation feeding the
// analytical tier.
type TierCount struct {
	TenantID      string
	DecayTier     memory.DecayTier
	MemoryType    memory.Type
	Count         int64
	AvgImportance float64
}

// TierCounts aggregates memory counts and average importance per tenant,
// decay tier and memory type, across all tenants.
func (s *Store) TierCounts(ctx context.Context) ([]TierCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, decay_tier, memory_type, count(*), avg(importance)
		 FROM memories
		 GROUP BY tenant_id, decay_tier, memory_type
		 ORDER BY tenant_id, decay_tier, memory_type`,
	)
	if err != nil {
		return nil, s.classify(err, "", "aggregating tier counts")
	}
	defer rows.Close()

	var out []TierCount
	for rows.Next() {
		var (
			c         TierCount
			decayTier string
			memType   string
		)
		if err := rows.Scan(&c.TenantID, &decayTier, &memType, &c.Count, &c.AvgImportance); err != nil {
			return nil, s.classify(err, "", "scanning tier count row")
		}
		c.DecayTier = memory.DecayTier(decayTier)
		c.MemoryType = memory.Type(memType)
		out = append(out, c)
	}
	return out, rows.Err()
}

func collectMemories(rows pgx.Rows) ([]memory.Memory, error) {
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (memory.Memory, error) {
	var (
		m            memory.Memory
		memType      string
		decayTier    string
		metaJSON     []byte
		lastAccessed *time.Time
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &m.UserID, &m.Text, &memType, &decayTier,
		&m.Importance, &m.Tags, &metaJSON, &m.CreatedAt, &m.UpdatedAt,
		&m.SourceSystem, &m.Version, &m.AccessCount, &lastAccessed,
	)
	if err != nil {
		return memory.Memory{}, err
	}

	m.MemoryType = memory.Type(memType)
	m.DecayTier = memory.DecayTier(decayTier)
	if lastAccessed != nil {
		m.LastAccessedAt = *lastAccessed
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Meta); err != nil {
			return memory.Memory{}, fmt.Errorf("parsing meta for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// classify maps driver errors onto the engine taxonomy without leaking the
// driver message to callers.
func (s *Store) classify(err error, id, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return memory.Wrap(memory.KindTransientStore, id, op+" timed out", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return memory.Wrap(memory.KindConflict, id, "memory id already exists", err)
		case pgErr.Code == "23502": // not_null_violation
			return memory.Wrap(memory.KindValidation, id, "required column missing", err)
		case strings.HasPrefix(pgErr.Code, "23"): // other integrity violations
			return memory.Wrap(memory.KindValidation, id, "constraint violation", err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention (shutdown etc.)
			return memory.Wrap(memory.KindTransientStore, id, op+" failed: connection problem", err)
		case strings.HasPrefix(pgErr.Code, "42"): // malformed query, never retried
			s.logger.Error("malformed relational query", "op", op, "error", err)
			return memory.Wrap(memory.KindValidation, id, "malformed query", err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return memory.Wrap(memory.KindTransientStore, id, op+" failed before reaching the server", err)
	}
	return memory.Wrap(memory.KindTransientStore, id, op+" failed", err)
}
