// Package fulltext implements the keyword-search tier on PostgreSQL's
// built-in text search.
//
// The tier indexes each memory's text and tags in a tsvector column and is
// not authoritative for any field: retrieval always resolves full records
// against the relational tier.
package fulltext

import (
	"context"
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

const defaultTopK = 10

// Store is the PostgreSQL full-text tier.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates the full-text tier store.
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
func (s *Store) Name() tier.Name { return tier.Fulltext }

// Put upserts the indexed text and tags. The tsvector column is generated
// by the database from these values.
func (s *Store) Put(ctx context.Context, m memory.Memory) error {
	if m.TenantID == "" {
		return memory.E(memory.KindValidation, m.ID, "tenant_id is required")
	}
	if strings.TrimSpace(m.Text) == "" {
		return memory.E(memory.KindValidation, m.ID, "text is empty")
	}

	return tier.WithRetry(ctx, s.logger, "fulltext.put", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO memory_fulltext (id, tenant_id, text, tags)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE
			 SET tenant_id = EXCLUDED.tenant_id,
			     text = EXCLUDED.text,
			     tags = EXCLUDED.tags`,
			m.ID, m.TenantID, m.Text, m.Tags,
		)
		if err != nil {
			return classify(err, m.ID, "indexing text")
		}
		return nil
	})
}

// Get returns the indexed projection (text and tags only).
func (s *Store) Get(ctx context.Context, id, tenantID string) (memory.Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, text, tags FROM memory_fulltext
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)

	var m memory.Memory
	err := row.Scan(&m.ID, &m.TenantID, &m.Text, &m.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "not indexed within tenant")
	}
	if err != nil {
		return memory.Memory{}, classify(err, id, "reading index entry")
	}
	return m, nil
}

// Query streams indexed projections filtered by tag containment. For
// keyword search use Match.
func (s *Store) Query(ctx context.Context, f tier.Filter) iter.Seq2[memory.Memory, error] {
	return func(yield func(memory.Memory, error) bool) {
		if err := f.Validate(); err != nil {
			yield(memory.Memory{}, err)
			return
		}

		limit := f.Limit
		if limit <= 0 {
			limit = 100
		}
		sql := `SELECT id, tenant_id, text, tags FROM memory_fulltext WHERE tenant_id = $1`
		args := []any{f.TenantID}
		if len(f.Tags) > 0 {
			args = append(args, f.Tags)
			sql += fmt.Sprintf(" AND tags @> $%d", len(args))
		}
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))

		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(memory.Memory{}, classify(err, "", "querying index"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var m memory.Memory
			if err := rows.Scan(&m.ID, &m.TenantID, &m.Text, &m.Tags); err != nil {
				yield(memory.Memory{}, classify(err, "", "scanning index row"))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(memory.Memory{}, classify(err, "", "iterating index rows"))
		}
	}
}

// Delete removes the index entry. Absent entries are a no-op.
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	return tier.WithRetry(ctx, s.logger, "fulltext.delete", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM memory_fulltext WHERE id = $1 AND tenant_id = $2`,
			id, tenantID,
		)
		if err != nil {
			return classify(err, id, "deleting index entry")
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

// Match runs a tenant-scoped keyword search over text and tags, ranked by
// relevance. The query uses websearch syntax ("quoted phrases", or, -not).
func (s *Store) Match(ctx context.Context, tenantID, query string, topK int) ([]memory.Memory, error) {
	if tenantID == "" {
		return nil, memory.E(memory.KindValidation, "", "keyword search requires tenant_id")
	}
	if strings.TrimSpace(query) == "" {
		return nil, memory.E(memory.KindValidation, "", "keyword query is empty")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, text, tags
		 FROM memory_fulltext
		 WHERE tenant_id = $1
		   AND tsv @@ websearch_to_tsquery('english', $2)
		 ORDER BY ts_rank(tsv, websearch_to_tsquery('english', $2)) DESC
		 LIMIT $3`,
		tenantID, query, topK,
	)
	if err != nil {
		return nil, classify(err, "", "keyword search")
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		var m memory.Memory
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Text, &m.Tags); err != nil {
			return nil, classify(err, "", "scanning search row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// classify mirrors the relational tier's driver-error mapping. Constraint
// violations and malformed queries are never retried.
func classify(err error, id, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return memory.Wrap(memory.KindTransientStore, id, op+" timed out", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity violations
			return memory.Wrap(memory.KindValidation, id, op+" rejected", err)
		case strings.HasPrefix(pgErr.Code, "42"): // malformed query
			return memory.Wrap(memory.KindValidation, id, op+" rejected", err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return memory.Wrap(memory.KindTransientStore, id, op+" failed: connection problem", err)
		}
	}
	return memory.Wrap(memory.KindTransientStore, id, op+" failed", err)
}
