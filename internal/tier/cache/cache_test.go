package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/log"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

func newTestCache(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(time.Minute, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func testMemory(id, tenant string) memory.Memory {
	now := time.Now()
	return memory.Memory{
		ID:         id,
		TenantID:   tenant,
		UserID:     "u-1",
		Text:       "cached content",
		MemoryType: memory.TypeSemantic,
		DecayTier:  memory.TierMedium,
		Importance: 5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	a := newTestCache(t)
	ctx := context.Background()

	m := testMemory("m-1", "t-1")
	require.NoError(t, a.Put(ctx, m))

	got, err := a.Get(ctx, "m-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, m.Text, got.Text)
	assert.Equal(t, m.TenantID, got.TenantID)
}

func TestGetMissReturnsNotFound(t *testing.T) {
	a := newTestCache(t)

	_, err := a.Get(context.Background(), "absent", "t-1")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestTenantKeysDoNotCollide(t *testing.T) {
	a := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testMemory("shared-id", "t-1")))

	// Same memory id under another tenant must miss, not leak.
	_, err := a.Get(ctx, "shared-id", "t-2")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestDeleteIsSynchronous(t *testing.T) {
	a := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, testMemory("m-1", "t-1")))
	require.NoError(t, a.Delete(ctx, "m-1", "t-1"))

	_, err := a.Get(ctx, "m-1", "t-1")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	a := newTestCache(t)
	assert.NoError(t, a.Delete(context.Background(), "never-stored", "t-1"))
}

func TestPutRequiresTenant(t *testing.T) {
	a := newTestCache(t)
	m := testMemory("m-1", "")
	err := a.Put(context.Background(), m)
	assert.True(t, errors.Is(err, memory.ErrValidation))
}

func TestQueryYieldsNothing(t *testing.T) {
	a := newTestCache(t)
	require.NoError(t, a.Put(context.Background(), testMemory("m-1", "t-1")))

	count := 0
	for range a.Query(context.Background(), tier.Filter{TenantID: "t-1"}) {
		count++
	}
	assert.Zero(t, count)
}

func TestCancelledContext(t *testing.T) {
	a := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Put(ctx, testMemory("m-1", "t-1"))
	assert.Error(t, err)
	_, err = a.Get(ctx, "m-1", "t-1")
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	a := newTestCache(t)
	assert.True(t, a.HealthCheck(context.Background()))
}
