// Package consolidate orchestrates the migration of legacy memory records
// into the canonical schema.
//
// The engine exclusively owns creation of Memory and MigrationRecord
// entities. Migration is best effort with full reporting: a bad record is
// recorded in the report and never aborts the rest of the batch; only an
// unreachable tier aborts the remainder and marks the report incomplete.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/membank/membank/internal/mapper"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier/relational"
)

// DefaultBatchSize bounds how many legacy records one Migrate call
// processes when the request does not say otherwise.
const DefaultBatchSize = 100

// DefaultPromoteThreshold is the importance at or above which a short-tier
// record is promoted to the long tier during consolidation.
const DefaultPromoteThreshold = 8

// RelationalStore is the slice of the relational tier the engine needs.
type RelationalStore interface {
	Put(ctx context.Context, m memory.Memory) error
	Get(ctx context.Context, id, tenantID string) (memory.Memory, error)
	GetByID(ctx context.Context, id string) (memory.Memory, error)
	Delete(ctx context.Context, id, tenantID string) error
	InsertMigrationRecord(ctx context.Context, r memory.MigrationRecord) error
	GetMigrationRecord(ctx context.Context, sourceSystem, sourceKey string) (memory.MigrationRecord, error)
	MigrationBatch(ctx context.Context, batchID string) ([]memory.MigrationRecord, error)
	MarkRolledBack(ctx context.Context, sourceSystem, sourceKey string) error
	InsertRelationship(ctx context.Context, r memory.Relationship) error
}

// SecondaryTier is the write surface of the vector and full-text tiers.
type SecondaryTier interface {
	Put(ctx context.Context, m memory.Memory) error
	Delete(ctx context.Context, id, tenantID string) error
}

// Invalidator is the cache's synchronous invalidation surface.
type Invalidator interface {
	Delete(ctx context.Context, id, tenantID string) error
}

// Auditor appends access log entries.
type Auditor interface {
	Record(ctx context.Context, e memory.AccessLogEntry)
}

// Engine migrates legacy records and owns rollback.
type Engine struct {
	rel      RelationalStore
	vec      SecondaryTier
	text     SecondaryTier
	cache    Invalidator
	audit    Auditor
	embedder memory.Embedder // nil means vector tier is skipped
	backup   BackupWriter    // nil means backups are disabled

	promoteThreshold int
	logger           *slog.Logger
}

// Options tunes optional engine behavior.
type Options struct {
	// Embedder computes embeddings for legacy records that lack one.
	Embedder memory.Embedder

	// Backup receives a snapshot of the raw batch before any mutation.
	Backup BackupWriter

	// PromoteThreshold overrides DefaultPromoteThreshold; 0 keeps it.
	PromoteThreshold int
}

// New creates the consolidation engine.
func New(rel RelationalStore, vec, text SecondaryTier, cache Invalidator, auditor Auditor, opts Options, logger *slog.Logger) (*Engine, error) {
	if rel == nil {
		return nil, fmt.Errorf("relational store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	threshold := opts.PromoteThreshold
	if threshold == 0 {
		threshold = DefaultPromoteThreshold
	}

	return &Engine{
		rel:              rel,
		vec:              vec,
		text:             text,
		cache:            cache,
		audit:            auditor,
		embedder:         opts.Embedder,
		backup:           opts.Backup,
		promoteThreshold: threshold,
		logger:           logger,
	}, nil
}

// MigrateRequest carries one batch of raw legacy records. Extraction from
// the origin store happens upstream; the engine only maps and persists.
type MigrateRequest struct {
	SourceKind memory.SourceKind
	Records    []map[string]any

	// TenantID is assigned to every record that does not already carry a
	// tenant. Records carrying a different tenant fail individually.
	TenantID string

	// Actor is recorded in the audit trail.
	Actor string

	// BatchSize bounds how many records this call processes; the rest are
	// reported as remaining. 0 selects DefaultBatchSize.
	BatchSize int

	// DryRun maps and checksums without issuing any write.
	DryRun bool
}

// Failure describes one record that could not be migrated.
type Failure struct {
	SourceKey string
	Reason    string
}

// MigrationReport summarizes one Migrate call.
type MigrationReport struct {
	BatchID   string
	Created   int
	Skipped   int
	Failed    int
	Remaining int
	// Incomplete is set when a tier became unreachable and the batch was
	// aborted partway.
	Incomplete bool
	DryRun     bool
	Failures   []Failure
}

// Migrate consolidates one batch of legacy records.
func (e *Engine) Migrate(ctx context.Context, req MigrateRequest) (MigrationReport, error) {
	report := MigrationReport{BatchID: uuid.NewString(), DryRun: req.DryRun}

	if !req.SourceKind.Valid() {
		return report, memory.E(memory.KindValidation, "",
			fmt.Sprintf("unknown source kind %q", req.SourceKind))
	}
	if req.TenantID == "" {
		return report, memory.E(memory.KindValidation, "", "migrate request requires tenant_id")
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	records := req.Records
	if len(records) > batchSize {
		report.Remaining = len(records) - batchSize
		records = records[:batchSize]
	}

	if !req.DryRun && e.backup != nil && len(records) > 0 {
		location, err := e.backup.Write(ctx, backupName(string(req.SourceKind), time.Now()), records)
		if err != nil {
			return report, memory.Wrap(memory.KindStoreUnavailable, "", "backup before migration failed", err)
		}
		e.logger.Info("migration backup written", "location", location, "records", len(records))
	}

	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			report.Incomplete = true
			break
		}

		aborted := e.migrateRecord(ctx, req, raw, &report)
		if aborted {
			report.Incomplete = true
			break
		}
	}

	e.logger.Info("migration batch finished",
		"batch_id", report.BatchID,
		"source_kind", req.SourceKind,
		"created", report.Created,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"incomplete", report.Incomplete,
		"dry_run", req.DryRun)
	return report, nil
}

// migrateRecord processes one raw legacy record, which may expand into
// several memories. Returns true when the batch must abort (tier down).
func (e *Engine) migrateRecord(ctx context.Context, req MigrateRequest, raw map[string]any, report *MigrationReport) bool {
	for m, err := range mapper.Map(req.SourceKind, raw) {
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{Reason: err.Error()})
			continue
		}

		sourceKey := m.Meta[mapper.MetaSourceKey]
		if err := e.consolidateOne(ctx, req, m, report); err != nil {
			if errors.Is(err, memory.ErrStoreUnavailable) {
				report.Failed++
				report.Failures = append(report.Failures, Failure{SourceKey: sourceKey, Reason: err.Error()})
				return true
			}
			report.Failed++
			report.Failures = append(report.Failures, Failure{SourceKey: sourceKey, Reason: err.Error()})
		}
	}
	return false
}

// consolidateOne maps, checksums and persists one canonical memory.
func (e *Engine) consolidateOne(ctx context.Context, req MigrateRequest, m memory.Memory, report *MigrationReport) error {
	// Tenancy assignment: the engine, not the mapper, owns it.
	if m.TenantID == "" {
		m.TenantID = req.TenantID
	} else if m.TenantID != req.TenantID {
		return memory.E(memory.KindValidation, m.ID,
			"legacy record belongs to a different tenant than the request")
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	// Auto-promotion: highly important short-tier records go straight to
	// the long tier.
	if m.DecayTier == memory.TierShort && m.Importance >= e.promoteThreshold {
		m.DecayTier = memory.TierLong
	}

	if err := m.Validate(); err != nil {
		return err
	}

	sourceKey := m.Meta[mapper.MetaSourceKey]
	checksum := Checksum(m)

	existing, err := e.rel.GetMigrationRecord(ctx, string(req.SourceKind), sourceKey)
	switch {
	case err == nil:
		if existing.Checksum == checksum && !existing.RolledBack {
			report.Skipped++
			return nil
		}
		// Content changed since the last run. The canonical id must stay
		// the one the tracking row points at, even for source kinds whose
		// mapper mints fresh ids, otherwise the old memory is orphaned and
		// rollback loses track of it.
		if !existing.RolledBack {
			m.ID = existing.MemoryID
		}
	case errors.Is(err, memory.ErrNotFound):
		// first migration of this source key
	default:
		return err
	}

	if req.DryRun {
		report.Created++
		return nil
	}

	if err := e.persist(ctx, m, req.Actor); err != nil {
		return err
	}

	// The tracking row is written strictly after the memory itself is
	// durable, so a crash can never mark an unmigrated record migrated.
	if err := e.rel.InsertMigrationRecord(ctx, memory.MigrationRecord{
		SourceSystem: string(req.SourceKind),
		SourceKey:    sourceKey,
		MemoryID:     m.ID,
		Checksum:     checksum,
		BatchID:      report.BatchID,
	}); err != nil {
		return err
	}

	e.audit.Record(ctx, memory.AccessLogEntry{
		MemoryID:  m.ID,
		TenantID:  m.TenantID,
		Operation: memory.OpMigrate,
		Actor:     req.Actor,
	})

	report.Created++
	return nil
}

// persist writes one memory through the tiers in dependency order:
// relational first (source of truth), then vector and text, with the cache
// invalidated synchronously.
func (e *Engine) persist(ctx context.Context, m memory.Memory, actor string) error {
	wantVector := m.HasEmbedding() || e.embedder != nil

	if !m.HasEmbedding() && e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, m.Text)
		if err != nil {
			// Not fatal: the record is flagged and the next decay pass
			// re-derives the vector entry.
			e.logger.Warn("embedding failed, deferring vector write", "id", m.ID, "error", err)
			if m.Meta == nil {
				m.Meta = map[string]string{}
			}
			m.Meta[relational.MetaVectorPending] = "true"
		} else {
			m.Embedding = emb
		}
	}

	if err := e.rel.Put(ctx, m); err != nil {
		if errors.Is(err, memory.ErrConflict) {
			return e.replaceExisting(ctx, m)
		}
		return err
	}
	m.Version = 1

	// A stale cache entry from a previous migration run must not outlive
	// this write.
	if e.cache != nil {
		if err := e.cache.Delete(ctx, m.ID, m.TenantID); err != nil {
			e.logger.Warn("cache invalidation failed", "id", m.ID, "error", err)
		}
	}

	if wantVector && m.HasEmbedding() && e.vec != nil {
		if err := e.vec.Put(ctx, m); err != nil {
			e.logger.Warn("vector write failed, deferring to reconciliation", "id", m.ID, "error", err)
			e.markVectorPending(ctx, m)
		}
	}

	if e.text != nil {
		if err := e.text.Put(ctx, m); err != nil {
			e.logger.Warn("text index write failed", "id", m.ID, "error", err)
		}
	}
	return nil
}

// replaceExisting rewrites a previously migrated memory whose legacy
// content changed since the last run.
func (e *Engine) replaceExisting(ctx context.Context, m memory.Memory) error {
	current, err := e.rel.Get(ctx, m.ID, m.TenantID)
	if err != nil {
		return err
	}

	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	m.Version = current.Version
	if err := e.rel.Put(ctx, m); err != nil {
		return err
	}
	m.Version++

	if e.cache != nil {
		if err := e.cache.Delete(ctx, m.ID, m.TenantID); err != nil {
			e.logger.Warn("cache invalidation failed", "id", m.ID, "error", err)
		}
	}
	if m.HasEmbedding() && e.vec != nil {
		if err := e.vec.Put(ctx, m); err != nil {
			e.logger.Warn("vector write failed, deferring to reconciliation", "id", m.ID, "error", err)
			e.markVectorPending(ctx, m)
		}
	}
	if e.text != nil {
		if err := e.text.Put(ctx, m); err != nil {
			e.logger.Warn("text index write failed", "id", m.ID, "error", err)
		}
	}
	return nil
}

// markVectorPending flags the relational row so the decay scheduler
// re-derives the missing vector entry. Best effort.
func (e *Engine) markVectorPending(ctx context.Context, m memory.Memory) {
	current, err := e.rel.Get(ctx, m.ID, m.TenantID)
	if err != nil {
		e.logger.Warn("could not flag vector-pending", "id", m.ID, "error", err)
		return
	}
	if current.Meta == nil {
		current.Meta = map[string]string{}
	}
	current.Meta[relational.MetaVectorPending] = "true"
	if err := e.rel.Put(ctx, current); err != nil {
		e.logger.Warn("could not flag vector-pending", "id", m.ID, "error", err)
	}
}

// RollbackReport summarizes one Rollback call.
type RollbackReport struct {
	BatchID    string
	Total      int
	RolledBack int
	Skipped    int
	Failed     int
	Failures   []Failure
}

// Rollback undoes one migration batch: every memory the batch created is
// removed from all tiers and its tracking row is marked rolled back. The
// tracking rows themselves are never deleted, preserving audit history.
// Rolling back an already rolled-back record is a no-op.
func (e *Engine) Rollback(ctx context.Context, batchID, actor string) (RollbackReport, error) {
	report := RollbackReport{BatchID: batchID}
	if batchID == "" {
		return report, memory.E(memory.KindValidation, "", "rollback requires a batch id")
	}

	records, err := e.rel.MigrationBatch(ctx, batchID)
	if err != nil {
		return report, err
	}
	report.Total = len(records)

	for _, r := range records {
		if r.RolledBack {
			report.Skipped++
			continue
		}

		if err := e.rollbackOne(ctx, r, actor); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{SourceKey: r.SourceKey, Reason: err.Error()})
			continue
		}
		report.RolledBack++
	}

	e.logger.Info("rollback finished",
		"batch_id", batchID,
		"total", report.Total,
		"rolled_back", report.RolledBack,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report, nil
}

func (e *Engine) rollbackOne(ctx context.Context, r memory.MigrationRecord, actor string) error {
	current, err := e.rel.GetByID(ctx, r.MemoryID)
	tenantID := current.TenantID
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			return err
		}
		// Memory already gone; still mark the tracking row below.
	}

	if tenantID != "" {
		if e.cache != nil {
			if err := e.cache.Delete(ctx, r.MemoryID, tenantID); err != nil {
				e.logger.Warn("cache delete during rollback failed", "id", r.MemoryID, "error", err)
			}
		}
		if e.vec != nil {
			if err := e.vec.Delete(ctx, r.MemoryID, tenantID); err != nil {
				return err
			}
		}
		if e.text != nil {
			if err := e.text.Delete(ctx, r.MemoryID, tenantID); err != nil {
				return err
			}
		}
		if err := e.rel.Delete(ctx, r.MemoryID, tenantID); err != nil {
			return err
		}
	}

	if err := e.rel.MarkRolledBack(ctx, r.SourceSystem, r.SourceKey); err != nil {
		return err
	}

	e.audit.Record(ctx, memory.AccessLogEntry{
		MemoryID:  r.MemoryID,
		TenantID:  tenantID,
		Operation: memory.OpRollback,
		Actor:     actor,
	})
	return nil
}

// Link creates an explicit relationship between two memories of the same
// tenant. Both endpoints must exist within the tenant; the actor is
// recorded in the audit trail.
func (e *Engine) Link(ctx context.Context, tenantID, fromID, toID, label string, strength float64, actor string) error {
	if fromID == toID {
		return memory.E(memory.KindValidation, fromID, "relationship endpoints must differ")
	}

	if _, err := e.rel.Get(ctx, fromID, tenantID); err != nil {
		return err
	}
	if _, err := e.rel.Get(ctx, toID, tenantID); err != nil {
		return err
	}

	if err := e.rel.InsertRelationship(ctx, memory.Relationship{
		FromID:   fromID,
		ToID:     toID,
		Label:    label,
		Strength: strength,
	}); err != nil {
		return err
	}

	e.audit.Record(ctx, memory.AccessLogEntry{
		MemoryID:  fromID,
		TenantID:  tenantID,
		Operation: memory.OpWrite,
		Actor:     actor,
	})
	return nil
}
