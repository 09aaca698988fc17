package relational

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/membank/membank/internal/memory"
)

// Migration-tracking and relationship persistence. Both are relational data
// owned by the consolidation engine; the store only persists what it is
// handed.

const migrationCols = `source_system, source_key, memory_id, checksum,
	batch_id, rolled_back, created_at`

// InsertMigrationRecord records one legacy-to-canonical transformation.
// Must be called only after the corresponding memory write is durable.
func (s *Store) InsertMigrationRecord(ctx context.Context, r memory.MigrationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_records (source_system, source_key, memory_id, checksum, batch_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_system, source_key) DO UPDATE
		 SET memory_id = EXCLUDED.memory_id,
		     checksum = EXCLUDED.checksum,
		     batch_id = EXCLUDED.batch_id,
		     rolled_back = false`,
		r.SourceSystem, r.SourceKey, r.MemoryID, r.Checksum, r.BatchID,
	)
	if err != nil {
		return s.classify(err, r.MemoryID, "inserting migration record")
	}
	return nil
}

// GetMigrationRecord looks up the tracking row for one legacy key.
// Returns memory.ErrNotFound when the key was never migrated.
func (s *Store) GetMigrationRecord(ctx context.Context, sourceSystem, sourceKey string) (memory.MigrationRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+migrationCols+` FROM migration_records
		 WHERE source_system = $1 AND source_key = $2`,
		sourceSystem, sourceKey,
	)

	var r memory.MigrationRecord
	err := row.Scan(&r.SourceSystem, &r.SourceKey, &r.MemoryID, &r.Checksum,
		&r.BatchID, &r.RolledBack, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.MigrationRecord{}, memory.E(memory.KindNotFound, "", "no migration record for source key")
	}
	if err != nil {
		return memory.MigrationRecord{}, s.classify(err, "", "reading migration record")
	}
	return r, nil
}

// MigrationBatch lists every tracking row created under one batch id.
func (s *Store) MigrationBatch(ctx context.Context, batchID string) ([]memory.MigrationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+migrationCols+` FROM migration_records
		 WHERE batch_id = $1
		 ORDER BY created_at ASC`,
		batchID,
	)
	if err != nil {
		return nil, s.classify(err, "", "listing migration batch")
	}
	defer rows.Close()

	var out []memory.MigrationRecord
	for rows.Next() {
		var r memory.MigrationRecord
		if err := rows.Scan(&r.SourceSystem, &r.SourceKey, &r.MemoryID, &r.Checksum,
			&r.BatchID, &r.RolledBack, &r.CreatedAt); err != nil {
			return nil, s.classify(err, "", "scanning migration record")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRolledBack flags the tracking row; the row itself is never deleted so
// the audit trail stays intact. Marking twice is a no-op.
func (s *Store) MarkRolledBack(ctx context.Context, sourceSystem, sourceKey string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE migration_records SET rolled_back = true
		 WHERE source_system = $1 AND source_key = $2`,
		sourceSystem, sourceKey,
	)
	if err != nil {
		return s.classify(err, "", "marking migration record rolled back")
	}
	return nil
}

// InsertRelationship creates a directed edge between two memories.
// Both endpoints must exist; the foreign keys cascade on memory deletion.
func (s *Store) InsertRelationship(ctx context.Context, r memory.Relationship) error {
	if r.FromID == "" || r.ToID == "" {
		return memory.E(memory.KindValidation, "", "relationship requires both endpoints")
	}
	if r.Label == "" {
		return memory.E(memory.KindValidation, r.FromID, "relationship requires a label")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_relationships (from_id, to_id, label, strength)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (from_id, to_id, label) DO UPDATE SET strength = EXCLUDED.strength`,
		r.FromID, r.ToID, r.Label, r.Strength,
	)
	if err != nil {
		return s.classify(err, r.FromID, "inserting relationship")
	}
	return nil
}

// Relationships lists edges touching the given memory, in either direction.
func (s *Store) Relationships(ctx context.Context, id string) ([]memory.Relationship, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT from_id, to_id, label, strength, created_at
		 FROM memory_relationships
		 WHERE from_id = $1 OR to_id = $1
		 ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, s.classify(err, id, "listing relationships")
	}
	defer rows.Close()

	var out []memory.Relationship
	for rows.Next() {
		var r memory.Relationship
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Label, &r.Strength, &r.CreatedAt); err != nil {
			return nil, s.classify(err, id, "scanning relationship")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
