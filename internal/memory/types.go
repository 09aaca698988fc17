// Package memory defines the canonical memory entity and the shared error
// taxonomy for the consolidation and retrieval engine.
//
// Every legacy representation (item, entry, web-entry, long-term) is mapped
// into the single Memory type defined here. Tier adapters persist and
// retrieve this type; they never originate it.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies how a memory was formed.
type Type string

const (
	// TypeSemantic is factual knowledge, decoupled from when it was learned.
	TypeSemantic Type = "semantic"

	// TypeEpisodic is experience tied to a particular interaction.
	TypeEpisodic Type = "episodic"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	return t == TypeSemantic || t == TypeEpisodic
}

// DecayTier governs the half-life used by the decay scheduler.
// Tiers are strictly ordered: short < medium < long.
type DecayTier string

const (
	TierShort  DecayTier = "short"
	TierMedium DecayTier = "medium"
	TierLong   DecayTier = "long"
)

// Valid reports whether d is a known decay tier.
func (d DecayTier) Valid() bool {
	return d == TierShort || d == TierMedium || d == TierLong
}

// SourceKind identifies which legacy origin produced a record.
type SourceKind string

const (
	SourceItem     SourceKind = "item"
	SourceEntry    SourceKind = "entry"
	SourceWebEntry SourceKind = "web-entry"
	SourceLongTerm SourceKind = "long-term"
)

// Valid reports whether k is a known legacy source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceItem, SourceEntry, SourceWebEntry, SourceLongTerm:
		return true
	}
	return false
}

// Importance bounds. Importance is always within [ImportanceMin, ImportanceMax].
const (
	ImportanceMin = 1
	ImportanceMax = 10

	// DefaultImportance is assigned when a legacy record carries none.
	DefaultImportance = 5
)

// Memory is the canonical entity every tier persists.
//
// TenantID and UserID scope every read and write: no query may ever return
// a Memory whose tenant does not match the caller's tenant.
type Memory struct {
	// ID is globally unique and immutable once created.
	ID string

	TenantID string
	UserID   string

	// Text is the memory content. Never empty after mapping.
	Text string

	MemoryType Type
	DecayTier  DecayTier

	// Importance is an integer in [1, 10], never zero.
	Importance int

	// Embedding is present only when the vector tier holds this record.
	Embedding []float32

	// Tags is a set; insertion order is irrelevant.
	Tags []string

	// Meta carries origin-specific metadata. Never used for access control.
	Meta map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time

	// SourceSystem records which legacy table produced this record.
	// Traceability only.
	SourceSystem string

	// Version is a monotonic counter used for compare-and-swap writes at
	// the relational boundary (single-writer-per-id discipline).
	Version int64

	// Access tracking, maintained by the relational tier on reads and
	// consulted by the decay scheduler's demotion check.
	AccessCount    int64
	LastAccessedAt time.Time
}

// Validate checks the invariants every canonical Memory must satisfy.
// Returns a validation Error describing the first violation found.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return E(KindValidation, "", "memory id is empty")
	}
	if m.TenantID == "" {
		return E(KindValidation, m.ID, "tenant_id is required")
	}
	if m.UserID == "" {
		return E(KindValidation, m.ID, "user_id is required")
	}
	if strings.TrimSpace(m.Text) == "" {
		return E(KindValidation, m.ID, "text is empty")
	}
	if !m.MemoryType.Valid() {
		return E(KindValidation, m.ID, fmt.Sprintf("unknown memory type %q", m.MemoryType))
	}
	if !m.DecayTier.Valid() {
		return E(KindValidation, m.ID, fmt.Sprintf("unknown decay tier %q", m.DecayTier))
	}
	if m.Importance < ImportanceMin || m.Importance > ImportanceMax {
		return E(KindValidation, m.ID, fmt.Sprintf("importance %d out of range [%d, %d]", m.Importance, ImportanceMin, ImportanceMax))
	}
	if !m.UpdatedAt.IsZero() && m.UpdatedAt.Before(m.CreatedAt) {
		return E(KindValidation, m.ID, "updated_at precedes created_at")
	}
	return nil
}

// HasEmbedding reports whether the record is eligible for the vector tier.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// NormalizeTags deduplicates tags preserving first occurrence.
// Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Operation is the kind of access recorded in the audit log.
type Operation string

const (
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpMigrate  Operation = "migrate"
	OpDecay    Operation = "decay"
	OpDelete   Operation = "delete"
	OpRollback Operation = "rollback"
)

// Audit entry result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// AccessLogEntry is one append-only audit record. Entries are never mutated
// or deleted after creation.
type AccessLogEntry struct {
	ID        int64
	MemoryID  string
	TenantID  string
	Operation Operation
	Actor     string
	Status    string
	CreatedAt time.Time
}

// Relationship is a directed edge between two memories. Deleted only when
// either endpoint is deleted (cascade).
type Relationship struct {
	FromID    string
	ToID      string
	Label     string
	Strength  float64
	CreatedAt time.Time
}

// MigrationRecord tracks one legacy-to-canonical transformation. Created
// during consolidation, never mutated except for the rolled-back mark,
// never deleted.
type MigrationRecord struct {
	SourceSystem string
	SourceKey    string
	MemoryID     string
	Checksum     string
	BatchID      string
	RolledBack   bool
	CreatedAt    time.Time
}
