// Package cache implements the fast read tier on top of ristretto.
//
// The cache is write-through from the orchestrator's point of view: writers
// invalidate or replace entries synchronously before their write call
// returns, so a known write is never followed by a stale read. Misses are
// handled by the retrieval orchestrator, not here; the adapter stays
// stateless about fallback policy.
package cache

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

// DefaultTTL is applied when the configured TTL is zero.
const DefaultTTL = 15 * time.Minute

const (
	numCounters = 100_000
	maxCost     = 64 << 20 // 64 MiB of memory text
	bufferItems = 64
)

// Adapter is the ristretto-backed cache tier. Entries are keyed by
// (tenant, id) so one tenant can never read another tenant's entry even
// with a colliding memory id.
type Adapter struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// New creates the cache tier. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ristretto cache: %w", err)
	}

	return &Adapter{cache: c, ttl: ttl, logger: logger}, nil
}

// Name implements tier.Adapter.
func (a *Adapter) Name() tier.Name { return tier.Cache }

func cacheKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// Put stores the memory with the configured TTL. The write is flushed
// before returning so subsequent reads observe it.
func (a *Adapter) Put(ctx context.Context, m memory.Memory) error {
	if err := ctx.Err(); err != nil {
		return memory.Wrap(memory.KindStoreUnavailable, m.ID, "cache put cancelled", err)
	}
	if m.TenantID == "" {
		return memory.E(memory.KindValidation, m.ID, "tenant_id is required")
	}

	cost := int64(len(m.Text)) + 64
	a.cache.SetWithTTL(cacheKey(m.TenantID, m.ID), m, cost, a.ttl)
	a.cache.Wait()
	return nil
}

// Get returns the cached memory or memory.ErrNotFound on a miss.
func (a *Adapter) Get(ctx context.Context, id, tenantID string) (memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return memory.Memory{}, memory.Wrap(memory.KindStoreUnavailable, id, "cache get cancelled", err)
	}

	v, ok := a.cache.Get(cacheKey(tenantID, id))
	if !ok {
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "not cached")
	}
	m, ok := v.(memory.Memory)
	if !ok {
		// Should not happen; treat a foreign value as a miss.
		a.logger.Warn("unexpected cache value type", "id", id)
		return memory.Memory{}, memory.E(memory.KindNotFound, id, "not cached")
	}
	if m.TenantID != tenantID {
		return memory.Memory{}, memory.E(memory.KindTenantIsolation, id, "cached entry belongs to another tenant")
	}
	return m, nil
}

// Query always yields nothing: the cache is a point-lookup tier and is
// never chosen for structured queries.
func (a *Adapter) Query(_ context.Context, _ tier.Filter) iter.Seq2[memory.Memory, error] {
	return func(func(memory.Memory, error) bool) {}
}

// Delete removes the entry synchronously. Deleting an absent entry is a
// no-op.
func (a *Adapter) Delete(ctx context.Context, id, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return memory.Wrap(memory.KindStoreUnavailable, id, "cache delete cancelled", err)
	}
	a.cache.Del(cacheKey(tenantID, id))
	a.cache.Wait()
	return nil
}

// HealthCheck implements tier.Adapter. The cache is in-process, so it is
// healthy as long as it exists.
func (a *Adapter) HealthCheck(context.Context) bool {
	return a.cache != nil
}

// Close releases the cache's internal goroutines.
func (a *Adapter) Close() {
	a.cache.Close()
}
