package mapper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/memory"
)

// collect drains the mapping sequence into slices for assertion.
func collect(t *testing.T, kind memory.SourceKind, raw map[string]any) ([]memory.Memory, []error) {
	t.Helper()
	var memories []memory.Memory
	var errs []error
	for m, err := range Map(kind, raw) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		memories = append(memories, m)
	}
	return memories, errs
}

func TestMapItem(t *testing.T) {
	memories, errs := collect(t, memory.SourceItem, map[string]any{
		"id":      "a1",
		"scope":   "u1",
		"kind":    "note",
		"content": "buy milk",
	})
	require.Empty(t, errs)
	require.Len(t, memories, 1)

	m := memories[0]
	assert.Equal(t, "a1", m.ID)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, memory.TypeSemantic, m.MemoryType)
	assert.Equal(t, memory.TierMedium, m.DecayTier)
	assert.Equal(t, "buy milk", m.Text)
	assert.Equal(t, 5, m.Importance)
	assert.Equal(t, "item", m.SourceSystem)
	assert.Equal(t, "a1", m.Meta[MetaSourceKey])
	assert.Equal(t, "note", m.Meta["legacy_kind"])
}

func TestMapLongTermArray(t *testing.T) {
	memories, errs := collect(t, memory.SourceLongTerm, map[string]any{
		"user_id":     "u2",
		"memory_json": []any{"fact A", "fact B"},
	})
	require.Empty(t, errs)
	require.Len(t, memories, 2)

	assert.Equal(t, "fact A", memories[0].Text)
	assert.Equal(t, "fact B", memories[1].Text)
	for i, m := range memories {
		assert.Equal(t, memory.TierLong, m.DecayTier, "record %d", i)
		assert.Equal(t, 6, m.Importance, "record %d", i)
		assert.Equal(t, memory.TypeSemantic, m.MemoryType, "record %d", i)
		assert.Equal(t, "u2", m.UserID, "record %d", i)
		assert.NotEmpty(t, m.ID, "record %d", i)
	}
	assert.NotEqual(t, memories[0].ID, memories[1].ID)
	assert.Equal(t, "u2:0", memories[0].Meta[MetaSourceKey])
	assert.Equal(t, "u2:1", memories[1].Meta[MetaSourceKey])
}

// Defaults table from the legacy importer: each kind has a fixed decay
// tier, memory type and importance fallback.
func TestMapDefaultsPerKind(t *testing.T) {
	tests := []struct {
		kind       memory.SourceKind
		raw        map[string]any
		wantTier   memory.DecayTier
		wantType   memory.Type
		wantImport int
	}{
		{
			kind:       memory.SourceItem,
			raw:        map[string]any{"id": "1", "scope": "u", "content": "x"},
			wantTier:   memory.TierMedium,
			wantType:   memory.TypeSemantic,
			wantImport: 5,
		},
		{
			kind:       memory.SourceEntry,
			raw:        map[string]any{"id": "2", "user_id": "u", "content": "x"},
			wantTier:   memory.TierShort,
			wantType:   memory.TypeEpisodic,
			wantImport: 5,
		},
		{
			kind:       memory.SourceWebEntry,
			raw:        map[string]any{"id": "3", "user_id": "u", "content": "x"},
			wantTier:   memory.TierShort,
			wantType:   memory.TypeEpisodic,
			wantImport: 5,
		},
		{
			kind:       memory.SourceLongTerm,
			raw:        map[string]any{"user_id": "u", "memory_json": []any{"x"}},
			wantTier:   memory.TierLong,
			wantType:   memory.TypeSemantic,
			wantImport: 6,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			memories, errs := collect(t, tt.kind, tt.raw)
			require.Empty(t, errs)
			require.Len(t, memories, 1)
			assert.Equal(t, tt.wantTier, memories[0].DecayTier)
			assert.Equal(t, tt.wantType, memories[0].MemoryType)
			assert.Equal(t, tt.wantImport, memories[0].Importance)
		})
	}
}

func TestMapPreservesExplicitValues(t *testing.T) {
	memories, errs := collect(t, memory.SourceEntry, map[string]any{
		"id":               "e1",
		"user_id":          "u1",
		"tenant_id":        "t1",
		"content":          "remembered",
		"importance_score": 9,
		"tags":             []any{"work", "urgent", "work"},
		"embedding":        []any{0.1, 0.2, 0.3},
	})
	require.Empty(t, errs)
	require.Len(t, memories, 1)

	m := memories[0]
	assert.Equal(t, 9, m.Importance)
	assert.Equal(t, "t1", m.TenantID)
	assert.Equal(t, []string{"work", "urgent"}, m.Tags)
	assert.Len(t, m.Embedding, 3)
}

// Long-term never honors a source importance: the importer pins it to 6.
func TestMapLongTermForcesImportance(t *testing.T) {
	memories, errs := collect(t, memory.SourceLongTerm, map[string]any{
		"user_id":     "u",
		"importance":  2,
		"memory_json": []any{"fact"},
	})
	require.Empty(t, errs)
	require.Len(t, memories, 1)
	assert.Equal(t, 6, memories[0].Importance)
}

func TestMapLongTermJSONStringPayload(t *testing.T) {
	memories, errs := collect(t, memory.SourceLongTerm, map[string]any{
		"user_id":     "u",
		"memory_json": `["from json", {"content": "nested"}]`,
	})
	require.Empty(t, errs)
	require.Len(t, memories, 2)
	assert.Equal(t, "from json", memories[0].Text)
	assert.Equal(t, "nested", memories[1].Text)
}

func TestMapLongTermPlainTextPayload(t *testing.T) {
	memories, errs := collect(t, memory.SourceLongTerm, map[string]any{
		"user_id":     "u",
		"memory_json": "not valid json at all",
	})
	require.Empty(t, errs)
	require.Len(t, memories, 1)
	assert.Equal(t, "not valid json at all", memories[0].Text)
}

func TestMapUnrecognizedSchema(t *testing.T) {
	tests := []struct {
		name string
		kind memory.SourceKind
		raw  map[string]any
	}{
		{"unknown kind", memory.SourceKind("csv-dump"), map[string]any{"id": "1"}},
		{"item missing id", memory.SourceItem, map[string]any{"scope": "u", "content": "x"}},
		{"item missing content", memory.SourceItem, map[string]any{"id": "1", "scope": "u"}},
		{"entry missing owner", memory.SourceEntry, map[string]any{"id": "1", "content": "x"}},
		{"long-term missing payload", memory.SourceLongTerm, map[string]any{"user_id": "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memories, errs := collect(t, tt.kind, tt.raw)
			assert.Empty(t, memories)
			require.Len(t, errs, 1)
			assert.True(t, errors.Is(errs[0], memory.ErrUnrecognizedSchema))
		})
	}
}

func TestMapValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"empty content", map[string]any{"id": "1", "scope": "u", "content": "   "}},
		{"importance not a number", map[string]any{"id": "1", "scope": "u", "content": "x", "importance": "high"}},
		{"importance out of range", map[string]any{"id": "1", "scope": "u", "content": "x", "importance": 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memories, errs := collect(t, memory.SourceItem, tt.raw)
			assert.Empty(t, memories)
			require.Len(t, errs, 1)
			assert.True(t, errors.Is(errs[0], memory.ErrValidation))
		})
	}
}

// A failed element must not poison the rest of the array.
func TestMapLongTermContinuesPastBadElement(t *testing.T) {
	memories, errs := collect(t, memory.SourceLongTerm, map[string]any{
		"user_id":     "u",
		"memory_json": []any{"good", "  ", "also good"},
	})
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], memory.ErrValidation))
	require.Len(t, memories, 2)
	assert.Equal(t, "good", memories[0].Text)
	assert.Equal(t, "also good", memories[1].Text)
}

// The sequence is lazy: stopping early must not map the remaining elements.
func TestMapSequenceIsLazy(t *testing.T) {
	raw := map[string]any{
		"user_id":     "u",
		"memory_json": []any{"one", "two", "three"},
	}

	var seen int
	for _, err := range Map(memory.SourceLongTerm, raw) {
		require.NoError(t, err)
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
}
