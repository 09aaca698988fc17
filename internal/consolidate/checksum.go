package consolidate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/membank/membank/internal/memory"
)

// Checksum fingerprints the normalized content of a memory. Re-running a
// migration compares this against the stored MigrationRecord checksum to
// decide whether the legacy record changed since the last run.
//
// Only identity and content participate: tags, meta and timestamps may
// differ between runs without invalidating an already-migrated record.
func Checksum(m memory.Memory) string {
	h := sha256.New()
	h.Write([]byte(m.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(m.UserID))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(m.Text)))
	return hex.EncodeToString(h.Sum(nil))
}
