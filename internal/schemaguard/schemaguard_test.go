package schemaguard

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/log"
	"github.com/membank/membank/internal/memory"
)

type fakeRow struct {
	version int64
	dirty   bool
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.version
	*dest[1].(*bool) = r.dirty
	return nil
}

type fakeQuerier struct {
	row fakeRow
}

func (q fakeQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return q.row
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		expected uint
		row      fakeRow
		wantOK   bool
	}{
		{"matching version", 21, fakeRow{version: 21}, true},
		{"behind expected", 21, fakeRow{version: 18}, false},
		{"ahead of expected", 21, fakeRow{version: 24}, false},
		{"dirty at expected version", 21, fakeRow{version: 21, dirty: true}, false},
		{"never migrated", 21, fakeRow{err: pgx.ErrNoRows}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(fakeQuerier{row: tt.row}, tt.expected, log.NewNop())
			require.NoError(t, err)

			st, err := g.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, st.OK)
			assert.Equal(t, tt.expected, st.Expected)
		})
	}
}

func TestValidate(t *testing.T) {
	g, err := New(fakeQuerier{row: fakeRow{version: 21}}, 21, log.NewNop())
	require.NoError(t, err)
	assert.NoError(t, g.Validate(context.Background()))

	g, err = New(fakeQuerier{row: fakeRow{version: 18}}, 21, log.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, g.Validate(context.Background()), memory.ErrSchemaVersionMismatch)

	g, err = New(fakeQuerier{row: fakeRow{version: 21, dirty: true}}, 21, log.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, g.Validate(context.Background()), memory.ErrSchemaVersionMismatch)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil, 21, log.NewNop())
	assert.Error(t, err)

	_, err = New(fakeQuerier{}, 0, log.NewNop())
	assert.Error(t, err)
}
