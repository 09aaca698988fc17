package tier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/log"
	"github.com/membank/membank/internal/memory"
)

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), log.NewNop(), "put", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), log.NewNop(), "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return memory.E(memory.KindTransientStore, "", "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustionBecomesUnavailable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), log.NewNop(), "put", func(context.Context) error {
		calls++
		return memory.E(memory.KindTransientStore, "", "still down")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrStoreUnavailable))
	assert.Equal(t, MaxRetries+1, calls)
}

func TestWithRetryNonTransientNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), log.NewNop(), "put", func(context.Context) error {
		calls++
		return memory.E(memory.KindValidation, "m-1", "importance out of range")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrValidation))
	assert.Equal(t, 1, calls)
}

func TestWithRetryRespectsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := WithRetry(ctx, log.NewNop(), "get", func(context.Context) error {
		return memory.E(memory.KindTransientStore, "", "slow")
	})
	require.Error(t, err)
	// The deadline bounds the whole retry budget, not each attempt.
	assert.Less(t, time.Since(start), time.Second)
}

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name    string
		f       Filter
		wantErr bool
	}{
		{"valid", Filter{TenantID: "t"}, false},
		{"missing tenant", Filter{}, true},
		{"inverted importance bounds", Filter{TenantID: "t", ImportanceMin: 8, ImportanceMax: 3}, true},
		{"open upper bound", Filter{TenantID: "t", ImportanceMin: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
