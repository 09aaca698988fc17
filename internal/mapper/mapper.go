// Package mapper translates the four known legacy memory shapes into the
// canonical Memory entity.
//
// Mapping is pure and side effect free. Dispatch is data driven: each legacy
// kind has an entry in a dispatch table carrying its default decay tier,
// memory type and importance, so the rules stay testable in isolation.
//
// The long-term shape stores many logical memories inside one JSON array, so
// Map returns a lazy, one-pass, non-restartable sequence: callers can stream
// large arrays without materializing every record.
package mapper

import (
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/membank/membank/internal/memory"
)

// MetaSourceKey is the Meta key under which the mapper records the legacy
// primary key of each produced Memory. The consolidation engine keys
// MigrationRecords on it.
const MetaSourceKey = "source_key"

// defaults carries the per-kind assignment rules.
type defaults struct {
	tier  memory.DecayTier
	mtype memory.Type

	// importance applies only when the legacy record carries none, unless
	// force is set (the long-term shape always gets 6).
	importance int
	force      bool
}

var kindDefaults = map[memory.SourceKind]defaults{
	memory.SourceItem:     {tier: memory.TierMedium, mtype: memory.TypeSemantic, importance: memory.DefaultImportance},
	memory.SourceEntry:    {tier: memory.TierShort, mtype: memory.TypeEpisodic, importance: memory.DefaultImportance},
	memory.SourceWebEntry: {tier: memory.TierShort, mtype: memory.TypeEpisodic, importance: memory.DefaultImportance},
	memory.SourceLongTerm: {tier: memory.TierLong, mtype: memory.TypeSemantic, importance: 6, force: true},
}

// Map translates one raw legacy record into canonical memories.
//
// The sequence yields either a Memory or an error per element; an
// unrecognized shape yields a single KindUnrecognizedSchema error, a record
// whose importance cannot be coerced into [1, 10] or whose text is empty
// after trimming yields a KindValidation error.
func Map(kind memory.SourceKind, raw map[string]any) iter.Seq2[memory.Memory, error] {
	return func(yield func(memory.Memory, error) bool) {
		def, ok := kindDefaults[kind]
		if !ok {
			yield(memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, "",
				fmt.Sprintf("unknown legacy source kind %q", kind)))
			return
		}

		if kind == memory.SourceLongTerm {
			mapLongTerm(raw, def, yield)
			return
		}

		m, err := mapSingle(kind, raw, def)
		yield(m, err)
	}
}

// mapSingle handles the item, entry and web-entry shapes, which carry
// exactly one logical memory each.
func mapSingle(kind memory.SourceKind, raw map[string]any, def defaults) (memory.Memory, error) {
	id, ok := stringField(raw, "id")
	if !ok {
		return memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, "",
			fmt.Sprintf("%s record missing id", kind))
	}

	text, ok := stringField(raw, "content")
	if !ok {
		return memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, id,
			fmt.Sprintf("%s record missing content", kind))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return memory.Memory{}, memory.E(memory.KindValidation, id, "content is empty after trimming")
	}

	var userID string
	if kind == memory.SourceItem {
		// memory_items scopes records by "scope" rather than user_id.
		userID, ok = stringField(raw, "scope")
	} else {
		userID, ok = stringField(raw, "user_id")
	}
	if !ok {
		return memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, id,
			fmt.Sprintf("%s record missing owner field", kind))
	}

	importance, err := coerceImportance(raw, id, def)
	if err != nil {
		return memory.Memory{}, err
	}

	m := memory.Memory{
		ID:           id,
		TenantID:     optionalString(raw, "tenant_id"),
		UserID:       userID,
		Text:         text,
		MemoryType:   def.mtype,
		DecayTier:    def.tier,
		Importance:   importance,
		Embedding:    floatSlice(raw["embedding"]),
		Tags:         memory.NormalizeTags(stringSlice(raw["tags"])),
		Meta:         metaFields(raw),
		CreatedAt:    timeField(raw, "created_at"),
		SourceSystem: string(kind),
	}
	m.Meta[MetaSourceKey] = id
	if k := optionalString(raw, "kind"); k != "" {
		m.Meta["legacy_kind"] = k
	}
	return m, nil
}

// mapLongTerm expands a long_term_memory row into zero or more memories.
// The memory_json field holds either a JSON array, a single object, or
// plain text.
func mapLongTerm(raw map[string]any, def defaults, yield func(memory.Memory, error) bool) {
	userID, ok := stringField(raw, "user_id")
	if !ok {
		yield(memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, "", "long-term record missing user_id"))
		return
	}

	payload, present := raw["memory_json"]
	if !present {
		yield(memory.Memory{}, memory.E(memory.KindUnrecognizedSchema, "", "long-term record missing memory_json"))
		return
	}

	for i, text := range longTermTexts(payload) {
		text = strings.TrimSpace(text)
		if text == "" {
			if !yield(memory.Memory{}, memory.E(memory.KindValidation, "",
				fmt.Sprintf("long-term element %d is empty after trimming", i))) {
				return
			}
			continue
		}

		m := memory.Memory{
			ID:           uuid.NewString(),
			TenantID:     optionalString(raw, "tenant_id"),
			UserID:       userID,
			Text:         text,
			MemoryType:   def.mtype,
			DecayTier:    def.tier,
			Importance:   def.importance,
			Meta:         map[string]string{},
			SourceSystem: string(memory.SourceLongTerm),
		}
		m.Meta[MetaSourceKey] = fmt.Sprintf("%s:%d", userID, i)
		if !yield(m, nil) {
			return
		}
	}
}

// longTermTexts normalizes the memory_json payload into a slice of texts.
// Unparseable JSON strings are treated as one plain-text memory, matching
// the legacy importer.
func longTermTexts(payload any) []string {
	switch v := payload.(type) {
	case []any:
		return elementsToTexts(v)
	case []string:
		return v
	case map[string]any:
		return []string{objectText(v)}
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return []string{v}
		}
		switch d := decoded.(type) {
		case []any:
			return elementsToTexts(d)
		case map[string]any:
			return []string{objectText(d)}
		default:
			return []string{v}
		}
	default:
		return nil
	}
}

func elementsToTexts(elems []any) []string {
	texts := make([]string, 0, len(elems))
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			texts = append(texts, v)
		case map[string]any:
			texts = append(texts, objectText(v))
		default:
			texts = append(texts, fmt.Sprint(v))
		}
	}
	return texts
}

func objectText(obj map[string]any) string {
	if s, ok := obj["content"].(string); ok {
		return s
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Sprint(obj)
	}
	return string(b)
}

// coerceImportance reads the record's importance, falling back to the kind
// default. Legacy tables disagree on the column name.
func coerceImportance(raw map[string]any, id string, def defaults) (int, error) {
	if def.force {
		return def.importance, nil
	}

	v, present := raw["importance"]
	if !present {
		v, present = raw["importance_score"]
	}
	if !present || v == nil {
		return def.importance, nil
	}

	n, ok := toInt(v)
	if !ok {
		return 0, memory.E(memory.KindValidation, id,
			fmt.Sprintf("importance %v is not an integer", v))
	}
	if n < memory.ImportanceMin || n > memory.ImportanceMax {
		return 0, memory.E(memory.KindValidation, id,
			fmt.Sprintf("importance %d out of range [%d, %d]", n, memory.ImportanceMin, memory.ImportanceMax))
	}
	return n, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, present := raw[key]
	if !present || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case int, int32, int64:
		return fmt.Sprint(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

func optionalString(raw map[string]any, key string) string {
	s, _ := stringField(raw, key)
	return s
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func floatSlice(v any) []float32 {
	switch s := v.(type) {
	case []float32:
		return s
	case []float64:
		out := make([]float32, len(s))
		for i, f := range s {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(s))
		for _, e := range s {
			f, ok := e.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	default:
		return nil
	}
}

func timeField(raw map[string]any, key string) time.Time {
	switch t := raw[key].(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

// metaFields copies the legacy record's open metadata map, if any.
// Always returns a non-nil map so callers can add trace keys.
func metaFields(raw map[string]any) map[string]string {
	meta := map[string]string{}
	src, ok := raw["metadata"].(map[string]any)
	if !ok {
		src, ok = raw["memory_metadata"].(map[string]any)
	}
	if !ok {
		return meta
	}
	for k, v := range src {
		switch s := v.(type) {
		case string:
			meta[k] = s
		default:
			meta[k] = fmt.Sprint(s)
		}
	}
	return meta
}
