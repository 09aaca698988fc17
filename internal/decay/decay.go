// Package decay runs the background maintenance cycle: importance decay
// and hot-tier demotion, vector-tier reconciliation, and the analytical
// rollup rebuild.
//
// One cycle runs at a time. A tick arriving while the previous cycle is
// still running is skipped, not queued, so a slow database can never pile
// up overlapping cycles.
package decay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/membank/membank/internal/audit"
	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier/analytical"
	"github.com/membank/membank/internal/tier/relational"
)

// Defaults for the scheduler configuration.
const (
	DefaultInterval       = time.Hour
	DefaultBatchSize      = 500
	DefaultWorkers        = 4
	DefaultRatePerSecond  = 50
	DefaultDemotionWindow = 7 * 24 * time.Hour
)

// HalfLives holds the per-tier decay half-life. A memory not updated
// within its tier's half-life loses one importance point per cycle.
type HalfLives struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// DefaultHalfLives follows the tier ordering: short-lived memories decay
// within a day, long-lived ones over months.
var DefaultHalfLives = HalfLives{
	Short:  24 * time.Hour,
	Medium: 7 * 24 * time.Hour,
	Long:   90 * 24 * time.Hour,
}

// Validate enforces the tier ordering: 0 < short < medium < long.
func (h HalfLives) Validate() error {
	if h.Short <= 0 {
		return fmt.Errorf("short half-life must be positive, got %s", h.Short)
	}
	if h.Medium <= h.Short {
		return fmt.Errorf("medium half-life %s must exceed short %s", h.Medium, h.Short)
	}
	if h.Long <= h.Medium {
		return fmt.Errorf("long half-life %s must exceed medium %s", h.Long, h.Medium)
	}
	return nil
}

// For returns the half-life of one tier.
func (h HalfLives) For(d memory.DecayTier) time.Duration {
	switch d {
	case memory.TierShort:
		return h.Short
	case memory.TierMedium:
		return h.Medium
	default:
		return h.Long
	}
}

// Store is the slice of the relational tier the scheduler works against.
type Store interface {
	Put(ctx context.Context, m memory.Memory) error
	DecayCandidates(ctx context.Context, d memory.DecayTier, olderThan time.Time, limit int) ([]memory.Memory, error)
	VectorPending(ctx context.Context, limit int) ([]memory.Memory, error)
	TierCounts(ctx context.Context) ([]relational.TierCount, error)
}

// VectorTier is the vector-store surface the scheduler maintains.
type VectorTier interface {
	Put(ctx context.Context, m memory.Memory) error
	Delete(ctx context.Context, id, tenantID string) error
	UpdateImportance(ctx context.Context, id, tenantID string, importance int) error
}

// CacheTier evicts demoted memories from the hot path.
type CacheTier interface {
	Delete(ctx context.Context, id, tenantID string) error
}

// AccessChecker consults the audit trail for the demotion-window check.
type AccessChecker interface {
	AccessedSince(ctx context.Context, memoryID string, cutoff time.Time) (bool, error)
}

// Auditor appends access log entries.
type Auditor interface {
	Record(ctx context.Context, e memory.AccessLogEntry)
}

// Analytics receives the rebuilt rollups.
type Analytics interface {
	Rebuild(ctx context.Context, rollups []analytical.Rollup) error
}

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration
	HalfLives      HalfLives
	DemotionWindow time.Duration
	BatchSize      int
	Workers        int

	// RatePerSecond bounds the write pressure one cycle may put on the
	// database. 0 selects the default.
	RatePerSecond float64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HalfLives == (HalfLives{}) {
		c.HalfLives = DefaultHalfLives
	}
	if c.DemotionWindow <= 0 {
		c.DemotionWindow = DefaultDemotionWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
}

// Scheduler runs the maintenance cycle.
type Scheduler struct {
	store     Store
	vec       VectorTier // nil disables vector maintenance
	cache     CacheTier  // nil disables cache eviction
	access    AccessChecker
	audit     Auditor
	analytics Analytics // nil disables the rollup rebuild
	embedder  memory.Embedder

	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	running atomic.Bool
}

// New creates the decay scheduler.
func New(store Store, vec VectorTier, cache CacheTier, access AccessChecker, auditor Auditor, analytics Analytics, embedder memory.Embedder, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("relational store is required")
	}
	if access == nil {
		return nil, fmt.Errorf("access checker is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	cfg.applyDefaults()
	if err := cfg.HalfLives.Validate(); err != nil {
		return nil, fmt.Errorf("invalid half-lives: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:     store,
		vec:       vec,
		cache:     cache,
		access:    access,
		audit:     auditor,
		analytics: analytics,
		embedder:  embedder,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:    logger,
	}, nil
}

// Run ticks until the context is cancelled. Blocking; callers run it in
// its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("decay scheduler started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("decay scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("decay cycle failed", "error", err)
			}
		}
	}
}

// Stats summarizes one cycle.
type Stats struct {
	Decayed    int64
	Demoted    int64
	Reconciled int64
	Skipped    bool
}

// RunOnce executes one full maintenance cycle: decay, reconciliation,
// rollup rebuild. If a cycle is already in flight the call is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("decay cycle still running, skipping tick")
		return Stats{Skipped: true}, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	var stats Stats

	for _, d := range []memory.DecayTier{memory.TierShort, memory.TierMedium, memory.TierLong} {
		if err := s.decayTier(ctx, d, &stats); err != nil {
			return stats, err
		}
	}

	if err := s.reconcileVectors(ctx, &stats); err != nil {
		return stats, err
	}

	if err := s.rebuildRollups(ctx); err != nil {
		return stats, err
	}

	s.logger.Info("decay cycle finished",
		"decayed", stats.Decayed,
		"demoted", stats.Demoted,
		"reconciled", stats.Reconciled,
		"elapsed", time.Since(started))
	return stats, nil
}

// decayTier processes one tier's overdue memories through the worker pool.
func (s *Scheduler) decayTier(ctx context.Context, d memory.DecayTier, stats *Stats) error {
	cutoff := time.Now().Add(-s.cfg.HalfLives.For(d))
	candidates, err := s.store.DecayCandidates(ctx, d, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing %s-tier candidates: %w", d, err)
	}
	if len(candidates) == 0 {
		return nil
	}

	work := make(chan memory.Memory)
	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range work {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
				s.decayOne(ctx, m, stats)
			}
		}()
	}

	for _, m := range candidates {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- m:
		}
	}
	close(work)
	wg.Wait()
	return ctx.Err()
}

// decayOne applies one decay step to one memory: decrement importance, or
// demote out of the hot tiers once importance bottoms out with no recent
// reads.
func (s *Scheduler) decayOne(ctx context.Context, m memory.Memory, stats *Stats) {
	if m.Importance > memory.ImportanceMin {
		m.Importance--
		m.UpdatedAt = time.Now().UTC()
		if err := s.store.Put(ctx, m); err != nil {
			// A conflict means a concurrent writer already advanced the
			// record; the next cycle re-evaluates it.
			if !errors.Is(err, memory.ErrConflict) {
				s.logger.Warn("decay write failed", "id", m.ID, "error", err)
			}
			return
		}
		if s.vec != nil {
			if err := s.vec.UpdateImportance(ctx, m.ID, m.TenantID, m.Importance); err != nil {
				s.logger.Warn("syncing vector importance failed", "id", m.ID, "error", err)
			}
		}
		atomic.AddInt64(&stats.Decayed, 1)
		s.audit.Record(ctx, memory.AccessLogEntry{
			MemoryID:  m.ID,
			TenantID:  m.TenantID,
			Operation: memory.OpDecay,
			Actor:     audit.ActorScheduler,
		})
		return
	}

	// Importance has bottomed out; demote only if the memory has not been
	// read within the demotion window.
	accessed, err := s.access.AccessedSince(ctx, m.ID, time.Now().Add(-s.cfg.DemotionWindow))
	if err != nil {
		s.logger.Warn("access-history check failed, keeping memory", "id", m.ID, "error", err)
		return
	}
	if accessed {
		return
	}

	s.demote(ctx, m, stats)
}

// demote evicts the memory from the cache and vector tiers. The canonical
// relational record is kept: demotion reduces serving cost, it never
// destroys data.
func (s *Scheduler) demote(ctx context.Context, m memory.Memory, stats *Stats) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, m.ID, m.TenantID); err != nil {
			s.logger.Warn("cache eviction failed", "id", m.ID, "error", err)
		}
	}
	if s.vec != nil {
		if err := s.vec.Delete(ctx, m.ID, m.TenantID); err != nil {
			s.logger.Warn("vector eviction failed", "id", m.ID, "error", err)
			return
		}
	}

	// Touch updated_at so the record leaves the candidate set until its
	// next half-life elapses.
	m.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, m); err != nil && !errors.Is(err, memory.ErrConflict) {
		s.logger.Warn("demotion write failed", "id", m.ID, "error", err)
		return
	}

	atomic.AddInt64(&stats.Demoted, 1)
	s.audit.Record(ctx, memory.AccessLogEntry{
		MemoryID:  m.ID,
		TenantID:  m.TenantID,
		Operation: memory.OpDecay,
		Actor:     audit.ActorScheduler,
	})
}

// reconcileVectors re-derives vector entries for memories whose vector
// write was deferred during consolidation.
func (s *Scheduler) reconcileVectors(ctx context.Context, stats *Stats) error {
	if s.vec == nil || s.embedder == nil {
		return nil
	}

	pending, err := s.store.VectorPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing vector-pending memories: %w", err)
	}

	for _, m := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		emb, err := s.embedder.Embed(ctx, m.Text)
		if err != nil {
			s.logger.Warn("re-embedding failed, keeping pending", "id", m.ID, "error", err)
			continue
		}
		m.Embedding = emb
		if err := s.vec.Put(ctx, m); err != nil {
			s.logger.Warn("vector reconciliation write failed", "id", m.ID, "error", err)
			continue
		}

		delete(m.Meta, relational.MetaVectorPending)
		m.UpdatedAt = time.Now().UTC()
		if err := s.store.Put(ctx, m); err != nil {
			if !errors.Is(err, memory.ErrConflict) {
				s.logger.Warn("clearing vector-pending flag failed", "id", m.ID, "error", err)
			}
			continue
		}
		atomic.AddInt64(&stats.Reconciled, 1)
	}
	return nil
}

// rebuildRollups refreshes the analytical tier from the relational source
// of truth.
func (s *Scheduler) rebuildRollups(ctx context.Context) error {
	if s.analytics == nil {
		return nil
	}

	counts, err := s.store.TierCounts(ctx)
	if err != nil {
		return fmt.Errorf("aggregating tier counts: %w", err)
	}

	now := time.Now().UTC()
	rollups := make([]analytical.Rollup, len(counts))
	for i, c := range counts {
		rollups[i] = analytical.Rollup{
			TenantID:      c.TenantID,
			DecayTier:     c.DecayTier,
			MemoryType:    c.MemoryType,
			Count:         c.Count,
			AvgImportance: c.AvgImportance,
			DerivedAt:     now,
		}
	}
	if err := s.analytics.Rebuild(ctx, rollups); err != nil {
		return fmt.Errorf("rebuilding rollups: %w", err)
	}
	return nil
}
