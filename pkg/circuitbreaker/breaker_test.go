package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("provider down")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("embedder", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errDown })
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errDown })
	_ = cb.Execute(ctx, func() error { return errDown })
	require.Equal(t, StateOpen, cb.State())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func() error {
			cancel()
			return context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().TotalFailures)
}
