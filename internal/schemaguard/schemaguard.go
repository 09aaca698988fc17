// Package schemaguard gates traffic on the database schema version. The
// engine must never serve from or write into a schema it was not built
// for: the expected version is injected at startup and compared against
// the live schema_migrations state before operations run.
package schemaguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/membank/membank/internal/memory"
)

// Querier is the read surface the guard needs. Satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Status is the result of one schema check.
type Status struct {
	Expected uint
	Actual   uint
	Dirty    bool
	OK       bool
}

// Guard validates the live schema against the version this build expects.
type Guard struct {
	q        Querier
	expected uint
	logger   *slog.Logger
}

// New creates a guard expecting the given migration version.
func New(q Querier, expected uint, logger *slog.Logger) (*Guard, error) {
	if q == nil {
		return nil, fmt.Errorf("database querier is required")
	}
	if expected == 0 {
		return nil, fmt.Errorf("expected schema version must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{q: q, expected: expected, logger: logger}, nil
}

// Check reads the live schema version. It never mutates anything.
func (g *Guard) Check(ctx context.Context) (Status, error) {
	st := Status{Expected: g.expected}

	var (
		version int64
		dirty   bool
	)
	err := g.q.QueryRow(ctx,
		`SELECT version, dirty FROM schema_migrations LIMIT 1`,
	).Scan(&version, &dirty)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No migration has ever run.
		return st, nil
	case err != nil:
		return st, memory.Wrap(memory.KindTransientStore, "", "reading schema version", err)
	}

	st.Actual = uint(version)
	st.Dirty = dirty
	st.OK = !dirty && st.Actual == st.Expected
	return st, nil
}

// Validate fails unless the live schema exactly matches the expected
// version and is not dirty.
func (g *Guard) Validate(ctx context.Context) error {
	st, err := g.Check(ctx)
	if err != nil {
		return err
	}
	if st.OK {
		return nil
	}

	g.logger.Error("schema version mismatch",
		"expected", st.Expected,
		"actual", st.Actual,
		"dirty", st.Dirty)

	if st.Dirty {
		return memory.E(memory.KindSchemaVersionMismatch, "",
			fmt.Sprintf("schema version %d is dirty, a migration failed midway", st.Actual))
	}
	return memory.E(memory.KindSchemaVersionMismatch, "",
		fmt.Sprintf("schema version %d does not match expected %d", st.Actual, st.Expected))
}
