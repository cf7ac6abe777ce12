package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"wrapped transient", fmt.Errorf("op: %w", &pgconn.PgError{Code: "40001"}), true},
		{"context canceled", context.Canceled, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.unavailable, errors.Is(got, model.ErrStoreUnavailable))
			assert.ErrorIs(t, got, tt.err, "original error stays in the chain")
		})
	}
}

func TestClassify_Idempotent(t *testing.T) {
	once := classify(&pgconn.PgError{Code: "40001"})
	assert.Same(t, once, classify(once))
}

func TestWithRetry_RetriesUnavailable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", model.ErrStoreUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("%w: down", model.ErrStoreUnavailable)
	})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}

func TestWithRetry_DoesNotRetryInvalidInput(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return model.InvalidInput("text is empty")
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return fmt.Errorf("%w: down", model.ErrStoreUnavailable)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
