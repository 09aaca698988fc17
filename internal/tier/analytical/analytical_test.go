package analytical

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/log"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "analytics.db"), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDirectPutRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), memory.Memory{ID: "m-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrReadOnly))
}

func TestDirectDeleteRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.Delete(context.Background(), "m-1", "t-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrReadOnly))
}

func TestGetAlwaysMisses(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "m-1", "t-1")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestRebuildAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rollups := []Rollup{
		{TenantID: "t-1", DecayTier: memory.TierShort, MemoryType: memory.TypeEpisodic, Count: 12, AvgImportance: 4.5},
		{TenantID: "t-1", DecayTier: memory.TierLong, MemoryType: memory.TypeSemantic, Count: 3, AvgImportance: 7.0},
		{TenantID: "t-2", DecayTier: memory.TierMedium, MemoryType: memory.TypeSemantic, Count: 1, AvgImportance: 5.0},
	}
	require.NoError(t, s.Rebuild(ctx, rollups))

	got, err := s.Rollups(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "t-1", r.TenantID)
		assert.False(t, r.DerivedAt.IsZero())
	}

	other, err := s.Rollups(ctx, "t-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.EqualValues(t, 1, other[0].Count)
}

func TestRebuildReplacesPreviousRollups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Rebuild(ctx, []Rollup{
		{TenantID: "t-1", DecayTier: memory.TierShort, MemoryType: memory.TypeEpisodic, Count: 5, AvgImportance: 5},
	}))
	require.NoError(t, s.Rebuild(ctx, []Rollup{
		{TenantID: "t-1", DecayTier: memory.TierShort, MemoryType: memory.TypeEpisodic, Count: 2, AvgImportance: 3, DerivedAt: time.Now()},
	}))

	got, err := s.Rollups(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].Count)
}

func TestRollupsRequireTenant(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Rollups(context.Background(), "")
	assert.True(t, errors.Is(err, memory.ErrValidation))
}

func TestQueryYieldsNothing(t *testing.T) {
	s := newTestStore(t)
	count := 0
	for range s.Query(context.Background(), tier.Filter{TenantID: "t-1"}) {
		count++
	}
	assert.Zero(t, count)
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.HealthCheck(context.Background()))
}
