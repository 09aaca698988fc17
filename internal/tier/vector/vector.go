// Package vector implements the similarity tier on PostgreSQL + pgvector.
//
// The vector tier stores each memory's embedding plus a minimal metadata
// projection (tenant, importance, decay tier, updated_at), just enough for
// filtered similarity search. It is never authoritative: full records live
// in the relational tier.
package vector

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
	"github.com/pgvector/pgvector-go"

	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

// DefaultDimension matches the embedding size produced by the default
// embedder configuration.
const DefaultDimension = 768

const defaultTopK = 10

// Store is the pgvector-backed similarity tier.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *slog.Logger
}

// New creates the vector tier store. dimension <= 0 selects
// DefaultDimension.
func New(pool *pgxpool.Pool, dimension int, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, dimension: dimension, logger: logger}, nil
}

// Name implements tier.Adapter.
func (s *Store) Name() tier.Name { return tier.Vector }

// Put upserts the embedding plus metadata projection. Records without an
// embedding are not eligible for this tier.
func (s *Store) Put(ctx context.Context, m memory.Memory) error {
	if !m.HasEmbedding() {
		return memory.E(memory.KindValidation, m.ID, "memory has no embedding")
	}
	if len(m.Embedding) != s.dimension {
		return memory.E(memory.KindValidation, m.ID,
			fmt.Sprintf("embedding dimension %d, expected %d", len(m.Embedding), s.dimension))
	}
	if m.TenantID == "" {
		return memory.E(memory.KindValidation, m.ID, "tenant_id is required")
	}

	vec := pgvector.NewVector(m.Embedding)
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	return tier.WithRetry(ctx, s.logger, "vector.put", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO memory_vectors (id, tenant_id, embedding, importance, decay_tier, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE
			 SET embedding = EXCLUDED.embedding,
			     importance = EXCLUDED.importance,
			     decay_tier = EXCLUDED.decay_tier,
			     updated_at = EXCLUDED.updated_at`,
			m.ID, m.TenantID, vec, m.Importance, string(m.DecayTier), updated,
		)
		if err != nil {
			return classify(err, m.ID, "upserting vector")
		}
		return nil
	})
}

// Get returns the metadata projection for one id within the tenant. The
// Text field is always empty; callers needing content go to the
// relational tier.
func (s *Store) Get(ctx context.Context, id, tenantID string) (memory.Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, embedding, importance, decay_tier, updated_at
		 FROM memory_vectors WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)

	m, err := scanProjection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "no vector entry within tenant")
	}
	if err != nil {
		return memory.Memory{}, classify(err, id, "reading vector entry")
	}
	return m, nil
}

// Query streams metadata projections for the tenant. Structured filtering
// beyond tenant, tier and importance belongs to the relational tier.
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
		rows, err := s.pool.Query(ctx,
			`SELECT id, tenant_id, embedding, importance, decay_tier, updated_at
			 FROM memory_vectors
			 WHERE tenant_id = $1
			 ORDER BY updated_at DESC
			 LIMIT $2`,
			f.TenantID, limit,
		)
		if err != nil {
			yield(memory.Memory{}, classify(err, "", "querying vectors"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanProjection(rows)
			if err != nil {
				yield(memory.Memory{}, classify(err, "", "scanning vector row"))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(memory.Memory{}, classify(err, "", "iterating vector rows"))
		}
	}
}

// UpdateImportance syncs the denormalized importance column after the
// canonical record changed. Absent entries are a no-op.
func (s *Store) UpdateImportance(ctx context.Context, id, tenantID string, importance int) error {
	return tier.WithRetry(ctx, s.logger, "vector.update_importance", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE memory_vectors SET importance = $1, updated_at = now()
			 WHERE id = $2 AND tenant_id = $3`,
			importance, id, tenantID,
		)
		if err != nil {
			return classify(err, id, "updating vector importance")
		}
		return nil
	})
}

// Delete removes the vector entry. Absent entries are a no-op.
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	return tier.WithRetry(ctx, s.logger, "vector.delete", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM memory_vectors WHERE id = $1 AND tenant_id = $2`,
			id, tenantID,
		)
		if err != nil {
			return classify(err, id, "deleting vector entry")
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

// Similar runs a tenant-scoped nearest-neighbour search. Results are ranked
// by descending cosine similarity, ties broken by descending importance,
// then by more recent updated_at.
func (s *Store) Similar(ctx context.Context, q tier.SimilarityQuery) ([]tier.Scored, error) {
	if q.TenantID == "" {
		return nil, memory.E(memory.KindValidation, "", "similarity query requires tenant_id")
	}
	if len(q.Embedding) != s.dimension {
		return nil, memory.E(memory.KindValidation, "",
			fmt.Sprintf("query embedding dimension %d, expected %d", len(q.Embedding), s.dimension))
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	vec := pgvector.NewVector(q.Embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, embedding, importance, decay_tier, updated_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM memory_vectors
		 WHERE tenant_id = $2 AND importance >= $3
		 ORDER BY similarity DESC, importance DESC, updated_at DESC
		 LIMIT $4`,
		vec, q.TenantID, max(q.MinImportance, memory.ImportanceMin), topK,
	)
	if err != nil {
		return nil, classify(err, "", "similarity search")
	}
	defer rows.Close()

	var out []tier.Scored
	for rows.Next() {
		var (
			m         memory.Memory
			vec       pgvector.Vector
			decayTier string
			score     float64
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &vec, &m.Importance, &decayTier, &m.UpdatedAt, &score); err != nil {
			return nil, classify(err, "", "scanning similarity row")
		}
		m.Embedding = vec.Slice()
		m.DecayTier = memory.DecayTier(decayTier)
		out = append(out, tier.Scored{Memory: m, Score: score})
	}
	return out, rows.Err()
}

func scanProjection(row interface{ Scan(...any) error }) (memory.Memory, error) {
	var (
		m         memory.Memory
		vec       pgvector.Vector
		decayTier string
	)
	if err := row.Scan(&m.ID, &m.TenantID, &vec, &m.Importance, &decayTier, &m.UpdatedAt); err != nil {
		return memory.Memory{}, err
	}
	m.Embedding = vec.Slice()
	m.DecayTier = memory.DecayTier(decayTier)
	return m, nil
}

// classify mirrors the relational tier's driver-error mapping. The vector
// tier shares the same database, so the same failure modes apply.
func classify(err error, id, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return memory.Wrap(memory.KindTransientStore, id, op+" timed out", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42") {
			return memory.Wrap(memory.KindValidation, id, op+" rejected", err)
		}
	}
	return memory.Wrap(memory.KindTransientStore, id, op+" failed", err)
}
