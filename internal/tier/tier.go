// Package tier defines the uniform contract every storage tier adapter
// implements, plus the retry policy shared by all of them.
//
// Adapters persist and retrieve canonical memories; they never originate
// them and never decide fallback policy (the retrieval orchestrator owns
// cache-miss fallthrough, the decay scheduler owns reconciliation).
package tier

import (
	"context"
	"iter"
	"time"

	"github.com/membank/membank/internal/memory"
)

// Name identifies a storage tier.
type Name string

const (
	Cache      Name = "cache"
	Relational Name = "relational"
	Vector     Name = "vector"
	Fulltext   Name = "fulltext"
	Analytical Name = "analytical"
)

// Adapter is the uniform read/write contract per tier.
//
// All methods are bound to the caller's context: implementations must
// return rather than hang when the deadline expires, and in-flight retries
// share the caller's deadline budget.
type Adapter interface {
	// Name identifies the tier for health reporting and logs.
	Name() Name

	// Put stores or replaces the memory.
	Put(ctx context.Context, m memory.Memory) error

	// Get retrieves one memory scoped by tenant. Returns
	// memory.ErrNotFound when no record matches within the tenant.
	Get(ctx context.Context, id, tenantID string) (memory.Memory, error)

	// Query streams memories matching the filter, lazily.
	Query(ctx context.Context, f Filter) iter.Seq2[memory.Memory, error]

	// Delete removes the memory within the tenant scope. Deleting an
	// absent record is not an error.
	Delete(ctx context.Context, id, tenantID string) error

	// HealthCheck reports whether the tier can currently serve traffic.
	HealthCheck(ctx context.Context) bool
}

// Filter is the structured query accepted by Adapter.Query.
// TenantID is mandatory; everything else narrows the result set.
type Filter struct {
	TenantID string
	UserID   string

	Tags          []string
	DecayTier     memory.DecayTier
	MemoryType    memory.Type
	ImportanceMin int
	ImportanceMax int

	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit bounds the result count; 0 means the adapter default.
	Limit int
}

// Validate checks that the filter can be executed safely.
func (f Filter) Validate() error {
	if f.TenantID == "" {
		return memory.E(memory.KindValidation, "", "query filter requires tenant_id")
	}
	if f.ImportanceMin < 0 || f.ImportanceMax < 0 {
		return memory.E(memory.KindValidation, "", "importance bounds must be non-negative")
	}
	if f.ImportanceMax > 0 && f.ImportanceMin > f.ImportanceMax {
		return memory.E(memory.KindValidation, "", "importance_min exceeds importance_max")
	}
	return nil
}

// SimilarityQuery is the filtered nearest-neighbour search served by the
// vector tier.
type SimilarityQuery struct {
	TenantID  string
	Embedding []float32
	TopK      int

	// MinImportance optionally restricts candidates.
	MinImportance int
}

// Scored pairs a memory with its similarity score. Results are ordered by
// descending score, ties broken by descending importance, then by more
// recent updated_at.
type Scored struct {
	Memory memory.Memory
	Score  float64
}

// SimilaritySearcher is implemented by the vector tier.
type SimilaritySearcher interface {
	Similar(ctx context.Context, q SimilarityQuery) ([]Scored, error)
}

// TextSearcher is implemented by the full-text tier.
type TextSearcher interface {
	Match(ctx context.Context, tenantID, query string, topK int) ([]memory.Memory, error)
}
