package consolidate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/log"
	"github.com/membank/membank/internal/memory"
)

type fakeRelational struct {
	memories      map[string]memory.Memory
	records       map[string]memory.MigrationRecord
	relationships []memory.Relationship

	putErr error
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		memories: map[string]memory.Memory{},
		records:  map[string]memory.MigrationRecord{},
	}
}

func recordKey(sourceSystem, sourceKey string) string {
	return sourceSystem + "\x00" + sourceKey
}

func (f *fakeRelational) Put(_ context.Context, m memory.Memory) error {
	if f.putErr != nil {
		return f.putErr
	}
	existing, exists := f.memories[m.ID]
	if m.Version == 0 {
		if exists {
			return memory.E(memory.KindConflict, m.ID, "memory already exists")
		}
		m.Version = 1
	} else {
		if !exists || existing.Version != m.Version {
			return memory.E(memory.KindConflict, m.ID, "version mismatch")
		}
		m.Version++
	}
	f.memories[m.ID] = m
	return nil
}

func (f *fakeRelational) Get(_ context.Context, id, tenantID string) (memory.Memory, error) {
	m, ok := f.memories[id]
	if !ok || m.TenantID != tenantID {
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "no memory for id within tenant")
	}
	return m, nil
}

func (f *fakeRelational) GetByID(_ context.Context, id string) (memory.Memory, error) {
	m, ok := f.memories[id]
	if !ok {
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "no memory for id")
	}
	return m, nil
}

func (f *fakeRelational) Delete(_ context.Context, id, _ string) error {
	delete(f.memories, id)
	return nil
}

func (f *fakeRelational) InsertMigrationRecord(_ context.Context, r memory.MigrationRecord) error {
	r.CreatedAt = time.Now()
	f.records[recordKey(r.SourceSystem, r.SourceKey)] = r
	return nil
}

func (f *fakeRelational) GetMigrationRecord(_ context.Context, sourceSystem, sourceKey string) (memory.MigrationRecord, error) {
	r, ok := f.records[recordKey(sourceSystem, sourceKey)]
	if !ok {
		return memory.MigrationRecord{}, memory.E(memory.KindNotFound, "", "no migration record")
	}
	return r, nil
}

func (f *fakeRelational) MigrationBatch(_ context.Context, batchID string) ([]memory.MigrationRecord, error) {
	var out []memory.MigrationRecord
	for _, r := range f.records {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRelational) MarkRolledBack(_ context.Context, sourceSystem, sourceKey string) error {
	r, ok := f.records[recordKey(sourceSystem, sourceKey)]
	if !ok {
		return memory.E(memory.KindNotFound, "", "no migration record")
	}
	r.RolledBack = true
	f.records[recordKey(sourceSystem, sourceKey)] = r
	return nil
}

func (f *fakeRelational) InsertRelationship(_ context.Context, r memory.Relationship) error {
	f.relationships = append(f.relationships, r)
	return nil
}

type fakeSecondary struct {
	puts    map[string]memory.Memory
	deletes []string
	putErr  error
}

func newFakeSecondary() *fakeSecondary {
	return &fakeSecondary{puts: map[string]memory.Memory{}}
}

func (f *fakeSecondary) Put(_ context.Context, m memory.Memory) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts[m.ID] = m
	return nil
}

func (f *fakeSecondary) Delete(_ context.Context, id, _ string) error {
	delete(f.puts, id)
	f.deletes = append(f.deletes, id)
	return nil
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Delete(_ context.Context, id, _ string) error {
	f.invalidated = append(f.invalidated, id)
	return nil
}

type fakeAuditor struct {
	entries []memory.AccessLogEntry
}

func (f *fakeAuditor) Record(_ context.Context, e memory.AccessLogEntry) {
	f.entries = append(f.entries, e)
}

func (f *fakeAuditor) ops() []memory.Operation {
	out := make([]memory.Operation, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Operation)
	}
	return out
}

type fakeBackup struct {
	names []string
	err   error
}

func (f *fakeBackup) Write(_ context.Context, name string, _ any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	return "fake://" + name, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type engineFixture struct {
	engine   *Engine
	rel      *fakeRelational
	vec      *fakeSecondary
	text     *fakeSecondary
	cache    *fakeCache
	auditor  *fakeAuditor
	backup   *fakeBackup
	embedder *fakeEmbedder
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		rel:      newFakeRelational(),
		vec:      newFakeSecondary(),
		text:     newFakeSecondary(),
		cache:    &fakeCache{},
		auditor:  &fakeAuditor{},
		backup:   &fakeBackup{},
		embedder: &fakeEmbedder{},
	}
	eng, err := New(f.rel, f.vec, f.text, f.cache, f.auditor, Options{
		Embedder: f.embedder,
		Backup:   f.backup,
	}, log.NewNop())
	require.NoError(t, err)
	f.engine = eng
	return f
}

func itemRecord(id, scope, content string) map[string]any {
	return map[string]any{"id": id, "scope": scope, "content": content}
}

func TestMigrateCreatesMemories(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Actor:      "operator",
		Records: []map[string]any{
			itemRecord("a1", "u1", "buy milk"),
			itemRecord("a2", "u1", "call dentist"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Incomplete)
	assert.NotEmpty(t, report.BatchID)

	m, ok := f.rel.memories["a1"]
	require.True(t, ok)
	assert.Equal(t, "t1", m.TenantID)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, "buy milk", m.Text)
	assert.Equal(t, memory.TypeSemantic, m.MemoryType)
	assert.Equal(t, memory.TierMedium, m.DecayTier)
	assert.Equal(t, memory.DefaultImportance, m.Importance)

	// Embedder ran and the vector tier received both records.
	assert.Equal(t, 2, f.embedder.calls)
	assert.Len(t, f.vec.puts, 2)
	assert.Len(t, f.text.puts, 2)

	// Tracking rows keyed on the legacy id, same batch.
	r, err := f.rel.GetMigrationRecord(context.Background(), "item", "a1")
	require.NoError(t, err)
	assert.Equal(t, report.BatchID, r.BatchID)
	assert.Equal(t, "a1", r.MemoryID)
	assert.NotEmpty(t, r.Checksum)

	assert.Equal(t, []memory.Operation{memory.OpMigrate, memory.OpMigrate}, f.auditor.ops())
	assert.Len(t, f.backup.names, 1)
	assert.Contains(t, f.backup.names[0], "migration_backup_item_")
}

func TestMigrateSkipsUnchangedRecords(t *testing.T) {
	f := newEngineFixture(t)
	records := []map[string]any{itemRecord("a1", "u1", "buy milk")}

	req := MigrateRequest{SourceKind: memory.SourceItem, TenantID: "t1", Records: records}
	first, err := f.engine.Migrate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := f.engine.Migrate(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 1, second.Skipped)

	// One audit entry only: the skip never touched the memory.
	assert.Len(t, f.auditor.entries, 1)
}

func TestMigrateRewritesChangedRecords(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records:    []map[string]any{itemRecord("a1", "u1", "buy milk")},
	})
	require.NoError(t, err)
	created := f.rel.memories["a1"].CreatedAt

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records:    []map[string]any{itemRecord("a1", "u1", "buy oat milk")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	m := f.rel.memories["a1"]
	assert.Equal(t, "buy oat milk", m.Text)
	assert.Equal(t, created, m.CreatedAt, "rewrite preserves creation time")
	assert.GreaterOrEqual(t, m.Version, int64(2))
	assert.Contains(t, f.cache.invalidated, "a1")
}

func TestMigrateChangedLongTermKeepsStableID(t *testing.T) {
	f := newEngineFixture(t)

	first, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceLongTerm,
		TenantID:   "t1",
		Records: []map[string]any{
			{"user_id": "u2", "memory_json": []any{"fact A"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	rec, err := f.rel.GetMigrationRecord(context.Background(), "long-term", "u2:0")
	require.NoError(t, err)
	originalID := rec.MemoryID

	// Same source key, changed content. The mapper mints a fresh uuid for
	// every long-term element, but the canonical record must stay the one
	// the tracking row points at.
	second, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceLongTerm,
		TenantID:   "t1",
		Records: []map[string]any{
			{"user_id": "u2", "memory_json": []any{"fact A, amended"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)

	require.Len(t, f.rel.memories, 1, "the superseded record must not be orphaned")
	m, ok := f.rel.memories[originalID]
	require.True(t, ok)
	assert.Equal(t, "fact A, amended", m.Text)
	assert.GreaterOrEqual(t, m.Version, int64(2))

	rec, err = f.rel.GetMigrationRecord(context.Background(), "long-term", "u2:0")
	require.NoError(t, err)
	assert.Equal(t, originalID, rec.MemoryID)

	// The whole batch rolls back cleanly: nothing is left behind.
	rb, err := f.engine.Rollback(context.Background(), second.BatchID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 1, rb.RolledBack)
	assert.Empty(t, f.rel.memories)
}

func TestMigratePromotesImportantShortTier(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceEntry,
		TenantID:   "t1",
		Records: []map[string]any{
			{"id": "e1", "user_id": "u1", "content": "critical fact", "importance_score": 9},
			{"id": "e2", "user_id": "u1", "content": "small talk", "importance_score": 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, memory.TierLong, f.rel.memories["e1"].DecayTier)
	assert.Equal(t, memory.TierShort, f.rel.memories["e2"].DecayTier)
}

func TestMigrateLongTermExpandsArray(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceLongTerm,
		TenantID:   "t1",
		Records: []map[string]any{
			{"user_id": "u9", "memory_json": []any{"fact A", "fact B"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	for _, m := range f.rel.memories {
		assert.Equal(t, memory.TierLong, m.DecayTier)
		assert.Equal(t, 6, m.Importance)
		assert.Equal(t, "u9", m.UserID)
	}
	_, err = f.rel.GetMigrationRecord(context.Background(), "long-term", "u9:0")
	assert.NoError(t, err)
	_, err = f.rel.GetMigrationRecord(context.Background(), "long-term", "u9:1")
	assert.NoError(t, err)
}

func TestMigrateDryRunWritesNothing(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		DryRun:     true,
		Records: []map[string]any{
			itemRecord("a1", "u1", "buy milk"),
			{"id": "bad", "scope": "u1"},
		},
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Failed)

	assert.Empty(t, f.rel.memories)
	assert.Empty(t, f.rel.records)
	assert.Empty(t, f.vec.puts)
	assert.Empty(t, f.backup.names)
	assert.Empty(t, f.auditor.entries)
}

func TestMigrateAbortsWhenBackupFails(t *testing.T) {
	f := newEngineFixture(t)
	f.backup.err = fmt.Errorf("bucket unreachable")

	_, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records:    []map[string]any{itemRecord("a1", "u1", "buy milk")},
	})
	require.ErrorIs(t, err, memory.ErrStoreUnavailable)
	assert.Empty(t, f.rel.memories)
}

func TestMigrateTenantMismatchFailsRecord(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records: []map[string]any{
			{"id": "a1", "scope": "u1", "content": "theirs", "tenant_id": "t2"},
			itemRecord("a2", "u1", "ours"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "a1", report.Failures[0].SourceKey)
	assert.NotContains(t, f.rel.memories, "a1")
}

func TestMigrateAbortsWhenStoreUnavailable(t *testing.T) {
	f := newEngineFixture(t)
	f.rel.putErr = memory.E(memory.KindStoreUnavailable, "", "postgres down")

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records: []map[string]any{
			itemRecord("a1", "u1", "one"),
			itemRecord("a2", "u1", "two"),
			itemRecord("a3", "u1", "three"),
		},
	})
	require.NoError(t, err)
	assert.True(t, report.Incomplete)
	assert.Equal(t, 1, report.Failed, "remaining records are not attempted")
	assert.Zero(t, report.Created)
}

func TestMigrateRespectsBatchSize(t *testing.T) {
	f := newEngineFixture(t)

	records := make([]map[string]any, 5)
	for i := range records {
		records[i] = itemRecord(fmt.Sprintf("a%d", i), "u1", fmt.Sprintf("memory %d", i))
	}

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		BatchSize:  3,
		Records:    records,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 2, report.Remaining)
	assert.Len(t, f.rel.memories, 3)
}

func TestMigrateDefersVectorWhenEmbedderFails(t *testing.T) {
	f := newEngineFixture(t)
	f.embedder.err = fmt.Errorf("model overloaded")

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records:    []map[string]any{itemRecord("a1", "u1", "buy milk")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created, "embedding failure is not fatal")

	assert.Empty(t, f.vec.puts)
	assert.Equal(t, "true", f.rel.memories["a1"].Meta["vector_pending"])
}

func TestMigrateValidatesRequest(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: "mystery",
		TenantID:   "t1",
	})
	require.ErrorIs(t, err, memory.ErrValidation)

	_, err = f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
	})
	require.ErrorIs(t, err, memory.ErrValidation)
}

func TestRollbackRemovesBatchFromAllTiers(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records: []map[string]any{
			itemRecord("a1", "u1", "one"),
			itemRecord("a2", "u1", "two"),
		},
	})
	require.NoError(t, err)

	rb, err := f.engine.Rollback(context.Background(), report.BatchID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 2, rb.Total)
	assert.Equal(t, 2, rb.RolledBack)
	assert.Zero(t, rb.Failed)

	assert.Empty(t, f.rel.memories)
	assert.Empty(t, f.vec.puts)
	assert.Empty(t, f.text.puts)
	assert.Contains(t, f.cache.invalidated, "a1")

	// Tracking rows survive, marked rolled back.
	r, err := f.rel.GetMigrationRecord(context.Background(), "item", "a1")
	require.NoError(t, err)
	assert.True(t, r.RolledBack)

	assert.Contains(t, f.auditor.ops(), memory.OpRollback)
}

func TestRollbackIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)

	report, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records:    []map[string]any{itemRecord("a1", "u1", "one")},
	})
	require.NoError(t, err)

	_, err = f.engine.Rollback(context.Background(), report.BatchID, "operator")
	require.NoError(t, err)

	again, err := f.engine.Rollback(context.Background(), report.BatchID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Zero(t, again.RolledBack)
}

func TestRollbackUnknownBatch(t *testing.T) {
	f := newEngineFixture(t)

	rb, err := f.engine.Rollback(context.Background(), "no-such-batch", "operator")
	require.NoError(t, err)
	assert.Zero(t, rb.Total)

	_, err = f.engine.Rollback(context.Background(), "", "operator")
	require.ErrorIs(t, err, memory.ErrValidation)
}

func TestRolledBackRecordMigratesAgain(t *testing.T) {
	f := newEngineFixture(t)
	records := []map[string]any{itemRecord("a1", "u1", "one")}

	first, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem, TenantID: "t1", Records: records,
	})
	require.NoError(t, err)

	_, err = f.engine.Rollback(context.Background(), first.BatchID, "operator")
	require.NoError(t, err)

	second, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem, TenantID: "t1", Records: records,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Created, "identical checksum does not skip a rolled-back record")
	assert.Contains(t, f.rel.memories, "a1")
}

func TestLink(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Migrate(context.Background(), MigrateRequest{
		SourceKind: memory.SourceItem,
		TenantID:   "t1",
		Records: []map[string]any{
			itemRecord("a1", "u1", "one"),
			itemRecord("a2", "u1", "two"),
		},
	})
	require.NoError(t, err)

	err = f.engine.Link(context.Background(), "t1", "a1", "a2", "related", 0.8, "curator")
	require.NoError(t, err)
	require.Len(t, f.rel.relationships, 1)
	assert.Equal(t, "a1", f.rel.relationships[0].FromID)
	assert.Equal(t, "related", f.rel.relationships[0].Label)

	// The audit entry carries the caller's identity, like every mutation.
	last := f.auditor.entries[len(f.auditor.entries)-1]
	assert.Equal(t, memory.OpWrite, last.Operation)
	assert.Equal(t, "curator", last.Actor)

	err = f.engine.Link(context.Background(), "t1", "a1", "a1", "self", 1, "curator")
	require.ErrorIs(t, err, memory.ErrValidation)

	err = f.engine.Link(context.Background(), "t1", "a1", "missing", "related", 0.5, "curator")
	require.ErrorIs(t, err, memory.ErrNotFound)

	err = f.engine.Link(context.Background(), "t2", "a1", "a2", "related", 0.5, "curator")
	require.ErrorIs(t, err, memory.ErrNotFound, "endpoints are tenant scoped")
}
