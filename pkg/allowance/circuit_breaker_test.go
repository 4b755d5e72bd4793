package allowance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBackend = errors.New("connection refused")

func TestDefaultCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	var changes []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(3, time.Minute, func(s CircuitBreakerState) {
		changes = append(changes, s)
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return errBackend })
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failed trial call reopens the circuit.
	_ = cb.Execute(ctx, func() error { return errBackend })
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestDefaultCircuitBreaker_IgnoresBusinessErrors(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx := context.Background()

	for _, err := range []error{
		ErrPeriodExists,
		fmt.Errorf("wrapped: %w", ErrPeriodNotFound),
		ErrProfileNotFound,
		ErrInvalidAmount,
		ErrInvalidWindow,
	} {
		_ = cb.Execute(ctx, func() error { return err })
	}
	assert.Equal(t, StateClosed, cb.State())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_ = cb.Execute(cancelled, func() error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, StateClosed, cb.State())
}
