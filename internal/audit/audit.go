// Package audit appends immutable access records for every read, write,
// decay, delete and rollback touching a memory.
//
// Entries live in an insert-only relational table. The writer never blocks
// or fails the user-facing operation: an audit insert failure is logged and
// swallowed, since losing one log line is preferable to failing a read that
// already happened.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/membank/membank/internal/memory"
)

// Actor used by background jobs that act on their own behalf.
const ActorScheduler = "scheduler"

// Querier is the subset of pgx operations the writer needs. Satisfied by
// *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends audit entries. Safe for concurrent use.
type Writer struct {
	q      Querier
	logger *slog.Logger
}

// NewWriter creates an audit writer over the relational database.
func NewWriter(q Querier, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{q: q, logger: logger}
}

// Record appends one entry. Failures are logged, never returned: auditing
// must not fail the operation being audited.
func (w *Writer) Record(ctx context.Context, e memory.AccessLogEntry) {
	if e.Status == "" {
		e.Status = memory.StatusOK
	}

	_, err := w.q.Exec(ctx,
		`INSERT INTO memory_access_log (memory_id, tenant_id, operation, actor, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.MemoryID, e.TenantID, string(e.Operation), e.Actor, e.Status,
	)
	if err != nil {
		w.logger.Error("audit append failed",
			"memory_id", e.MemoryID,
			"operation", e.Operation,
			"error", err)
	}
}

// AccessedSince reports whether the memory has any read entry newer than
// the cutoff. The decay scheduler uses this for its demotion-window check.
func (w *Writer) AccessedSince(ctx context.Context, memoryID string, cutoff time.Time) (bool, error) {
	var count int64
	err := w.q.QueryRow(ctx,
		`SELECT count(*) FROM memory_access_log
		 WHERE memory_id = $1 AND operation = $2 AND created_at >= $3`,
		memoryID, string(memory.OpRead), cutoff,
	).Scan(&count)
	if err != nil {
		return false, memory.Wrap(memory.KindTransientStore, memoryID, "reading access history", err)
	}
	return count > 0, nil
}
