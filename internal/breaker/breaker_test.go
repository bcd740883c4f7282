package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutCallingFn(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Call(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ClosesAfterSuccessesInHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 1 * time.Millisecond, SuccessThreshold: 2, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Call(ctx, func(ctx context.Context) error { return nil })
	_ = b.Call(ctx, func(ctx context.Context) error { return nil })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 1 * time.Millisecond, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_TripsOnRollingWindowErrorPercentage(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1000, // disable consecutive-failure tripping
		VolumeThreshold:  4,
		ErrorPercentage:  50,
		RollingWindow:    time.Minute,
	})
	ctx := context.Background()

	_ = b.Call(ctx, func(ctx context.Context) error { return nil })
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	_ = b.Call(ctx, func(ctx context.Context) error { return nil })
	assert.Equal(t, StateClosed, b.State(), "below volume threshold, should not trip yet")

	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, b.State(), "2/4 = 50%% failure rate should trip at threshold")
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Timeout: 1 * time.Millisecond, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()

	err := b.Call(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()

	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	_ = b.Call(ctx, func(ctx context.Context) error { return nil })
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })

	assert.Equal(t, StateClosed, b.State(), "success should have reset the consecutive-failure streak")
}

func TestBreaker_TripForcesOpenRegardlessOfFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 1000, RollingWindow: time.Minute, VolumeThreshold: 1000})
	require.Equal(t, StateClosed, b.State())

	b.Trip()
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_ResetForcesClosedAndClearsCounters(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	called := false
	err := b.Call(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestBreaker_AttemptResetMovesOpenToHalfOpenEarly(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour, RollingWindow: time.Minute, VolumeThreshold: 1000})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	b.AttemptReset()
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_AttemptResetIsNoOpWhenNotOpen(t *testing.T) {
	b := New(Config{})
	require.Equal(t, StateClosed, b.State())
	b.AttemptReset()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChangeHookFires(t *testing.T) {
	transitions := make(chan [2]State, 10)
	b := New(Config{
		FailureThreshold: 1,
		RollingWindow:    time.Minute,
		VolumeThreshold:  1000,
		OnStateChange: func(from, to State) {
			transitions <- [2]State{from, to}
		},
	})
	ctx := context.Background()
	_ = b.Call(ctx, func(ctx context.Context) error { return errBoom })

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("expected state-change notification")
	}
}
