// Package retrieval serves reads across the storage tiers.
//
// The orchestrator owns fallback policy: cache first, relational on miss,
// with the cache refilled on the way out. Search dispatches to the vector,
// full-text or relational tier depending on what the request carries, and
// always hydrates results from the relational tier so callers see complete
// records regardless of which index matched.
//
// Tenant isolation is enforced twice: every tier query is tenant scoped,
// and every result is checked again before it leaves this package. A
// record surviving the first check but failing the second indicates index
// corruption and is dropped and logged, never returned.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/membank/membank/internal/memory"
	"github.com/membank/membank/internal/tier"
)

// DefaultTopK bounds search results when the request does not.
const DefaultTopK = 10

// Primary is the slice of the relational tier the orchestrator reads from.
type Primary interface {
	Get(ctx context.Context, id, tenantID string) (memory.Memory, error)
	Query(ctx context.Context, f tier.Filter) iter.Seq2[memory.Memory, error]
	TouchAccess(ctx context.Context, id, tenantID string) error
}

// CacheTier is the read-through cache surface.
type CacheTier interface {
	Get(ctx context.Context, id, tenantID string) (memory.Memory, error)
	Put(ctx context.Context, m memory.Memory) error
	Delete(ctx context.Context, id, tenantID string) error
}

// Auditor appends access log entries.
type Auditor interface {
	Record(ctx context.Context, e memory.AccessLogEntry)
}

// Orchestrator coordinates reads across tiers.
type Orchestrator struct {
	primary Primary
	cache   CacheTier               // nil disables caching
	vec     tier.SimilaritySearcher // nil disables semantic search
	text    tier.TextSearcher       // nil disables keyword search
	audit   Auditor
	logger  *slog.Logger
}

// New creates the retrieval orchestrator.
func New(primary Primary, cache CacheTier, vec tier.SimilaritySearcher, text tier.TextSearcher, auditor Auditor, logger *slog.Logger) (*Orchestrator, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		primary: primary,
		cache:   cache,
		vec:     vec,
		text:    text,
		audit:   auditor,
		logger:  logger,
	}, nil
}

// Get retrieves one memory by id within the tenant, cache first.
// Every successful read is audited and counted toward decay demotion.
func (o *Orchestrator) Get(ctx context.Context, tenantID, id, actor string) (memory.Memory, error) {
	if tenantID == "" {
		return memory.Memory{}, memory.E(memory.KindValidation, id, "read requires tenant_id")
	}
	if id == "" {
		return memory.Memory{}, memory.E(memory.KindValidation, "", "read requires memory id")
	}

	if o.cache != nil {
		m, err := o.cache.Get(ctx, id, tenantID)
		if err == nil {
			if !o.sameTenant(m, tenantID, "cache") {
				// Poisoned entry; evict and fall through to the primary.
				if delErr := o.cache.Delete(ctx, id, tenantID); delErr != nil {
					o.logger.Warn("evicting poisoned cache entry failed", "id", id, "error", delErr)
				}
			} else {
				o.recordRead(ctx, m, actor)
				return m, nil
			}
		} else if !errors.Is(err, memory.ErrNotFound) {
			o.logger.Warn("cache read failed, falling through", "id", id, "error", err)
		}
	}

	m, err := o.primary.Get(ctx, id, tenantID)
	if err != nil {
		return memory.Memory{}, err
	}
	if !o.sameTenant(m, tenantID, "relational") {
		return memory.Memory{}, memory.E(memory.KindTenantIsolation, id,
			"record tenant does not match request tenant")
	}

	if o.cache != nil {
		if err := o.cache.Put(ctx, m); err != nil {
			o.logger.Warn("cache fill failed", "id", id, "error", err)
		}
	}

	o.recordRead(ctx, m, actor)
	return m, nil
}

// SearchRequest selects exactly one search mode by what it carries:
// an embedding for semantic search, a query string for keyword search,
// or a filter for a structured scan. Embedding wins over query wins
// over filter when several are set.
type SearchRequest struct {
	TenantID string
	Actor    string

	Embedding []float32
	Query     string
	Filter    *tier.Filter

	TopK          int
	MinImportance int
}

// Result pairs a hydrated memory with its relevance score. Structured and
// keyword results carry a zero score.
type Result struct {
	Memory memory.Memory
	Score  float64
}

// Search retrieves memories matching the request within the tenant.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if req.TenantID == "" {
		return nil, memory.E(memory.KindValidation, "", "search requires tenant_id")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	switch {
	case len(req.Embedding) > 0:
		return o.searchSemantic(ctx, req, topK)
	case req.Query != "":
		return o.searchKeyword(ctx, req, topK)
	case req.Filter != nil:
		return o.searchStructured(ctx, req, topK)
	default:
		return nil, memory.E(memory.KindValidation, "",
			"search requires an embedding, a query string, or a filter")
	}
}

func (o *Orchestrator) searchSemantic(ctx context.Context, req SearchRequest, topK int) ([]Result, error) {
	if o.vec == nil {
		return nil, memory.E(memory.KindStoreUnavailable, "", "semantic search is not configured")
	}

	scored, err := o.vec.Similar(ctx, tier.SimilarityQuery{
		TenantID:      req.TenantID,
		Embedding:     req.Embedding,
		TopK:          topK,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(scored))
	for _, s := range scored {
		m, ok := o.hydrate(ctx, s.Memory.ID, req.TenantID, "vector")
		if !ok {
			continue
		}
		out = append(out, Result{Memory: m, Score: s.Score})
		o.recordRead(ctx, m, req.Actor)
	}
	return out, nil
}

func (o *Orchestrator) searchKeyword(ctx context.Context, req SearchRequest, topK int) ([]Result, error) {
	if o.text == nil {
		return nil, memory.E(memory.KindStoreUnavailable, "", "keyword search is not configured")
	}

	matches, err := o.text.Match(ctx, req.TenantID, req.Query, topK)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(matches))
	for _, hit := range matches {
		m, ok := o.hydrate(ctx, hit.ID, req.TenantID, "fulltext")
		if !ok {
			continue
		}
		out = append(out, Result{Memory: m})
		o.recordRead(ctx, m, req.Actor)
	}
	return out, nil
}

func (o *Orchestrator) searchStructured(ctx context.Context, req SearchRequest, topK int) ([]Result, error) {
	f := *req.Filter
	f.TenantID = req.TenantID
	if f.Limit == 0 || f.Limit > topK {
		f.Limit = topK
	}
	if f.ImportanceMin < req.MinImportance {
		f.ImportanceMin = req.MinImportance
	}

	var out []Result
	for m, err := range o.primary.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		if !o.sameTenant(m, req.TenantID, "relational") {
			continue
		}
		out = append(out, Result{Memory: m})
		o.recordRead(ctx, m, req.Actor)
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// hydrate loads the complete record from the primary store and re-checks
// tenancy. Index entries pointing at missing or foreign records are stale
// or corrupt; they are skipped, never surfaced.
func (o *Orchestrator) hydrate(ctx context.Context, id, tenantID, source string) (memory.Memory, bool) {
	m, err := o.primary.Get(ctx, id, tenantID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			o.logger.Warn("stale index entry skipped", "id", id, "index", source)
		} else {
			o.logger.Warn("hydrating search hit failed", "id", id, "index", source, "error", err)
		}
		return memory.Memory{}, false
	}
	if !o.sameTenant(m, tenantID, source) {
		return memory.Memory{}, false
	}
	return m, true
}

// sameTenant is the second line of tenant defense. A false return is
// logged at Error level: it means a tenant-scoped query produced a foreign
// record.
func (o *Orchestrator) sameTenant(m memory.Memory, tenantID, source string) bool {
	if m.TenantID == tenantID {
		return true
	}
	o.logger.Error("tenant isolation violation dropped",
		"id", m.ID,
		"source", source,
		"requested_tenant", tenantID)
	return false
}

func (o *Orchestrator) recordRead(ctx context.Context, m memory.Memory, actor string) {
	if err := o.primary.TouchAccess(ctx, m.ID, m.TenantID); err != nil {
		o.logger.Warn("recording access failed", "id", m.ID, "error", err)
	}
	o.audit.Record(ctx, memory.AccessLogEntry{
		MemoryID:  m.ID,
		TenantID:  m.TenantID,
		Operation: memory.OpRead,
		Actor:     actor,
	})
}
