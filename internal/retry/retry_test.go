package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/unic/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		Retryable:       domain.IsRetryable,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "embed", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.Wrap(domain.ErrEmbeddingUnavailable, errors.New("503"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), "store", func(ctx context.Context) error {
		calls++
		return domain.ErrStoreUnavailable
	})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), "search", func(ctx context.Context) error {
		calls++
		return domain.ErrInvalidFilter
	})

	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
	assert.Equal(t, 1, calls)
}

func TestDo_NilRetryableRetriesPlainErrors(t *testing.T) {
	p := fastPolicy(3)
	p.Retryable = nil

	calls := 0
	err := Do(context.Background(), p, "list", func(ctx context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := fastPolicy(5)
	p.Retryable = nil
	err := Do(ctx, p, "cancelled", func(ctx context.Context) error {
		return ctx.Err()
	})

	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, "once", func(ctx context.Context) error {
		calls++
		return domain.ErrStoreUnavailable
	})
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(3), "value", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, domain.ErrEmbeddingUnavailable
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.True(t, p.Retryable(domain.ErrEmbeddingUnavailable))
	assert.False(t, p.Retryable(domain.ErrEmptyContent))
}

func TestResume_SpendsRemainingAttempts(t *testing.T) {
	prev := domain.Wrap(domain.ErrEmbeddingUnavailable, errors.New("503"))
	calls := 0
	started := time.Now()
	err := Resume(context.Background(), fastPolicy(3), "ingest", prev, func(ctx context.Context) error {
		calls++
		return prev
	})

	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(started), time.Millisecond)
}

func TestResume_NothingToResume(t *testing.T) {
	transient := domain.Wrap(domain.ErrStoreUnavailable, errors.New("reset"))
	permanent := domain.Wrap(domain.ErrInvalidSource, errors.New("nowhere"))

	tests := []struct {
		name   string
		policy Policy
		prev   error
	}{
		{"no previous error", fastPolicy(3), nil},
		{"permanent previous error", fastPolicy(3), permanent},
		{"single attempt policy", fastPolicy(1), transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Resume(context.Background(), tt.policy, "ingest", tt.prev, func(ctx context.Context) error {
				calls++
				return nil
			})
			assert.Equal(t, tt.prev, err)
			assert.Zero(t, calls)
		})
	}
}

func TestResume_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := fastPolicy(3)
	p.InitialInterval = time.Hour
	calls := 0
	err := Resume(ctx, p, "ingest", domain.ErrStoreUnavailable, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Zero(t, calls)
}
