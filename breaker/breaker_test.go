package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, volume uint64) *CircuitBreaker {
	t.Helper()
	cb := New(Settings{
		Name:                    "test",
		WindowDuration:          100 * time.Millisecond,
		NumBuckets:              10,
		ErrorThreshold:          50,
		VolumeThreshold:         volume,
		WaitDurationInOpenState: 20 * time.Millisecond,
		CommandTimeout:          50 * time.Millisecond,
	})
	t.Cleanup(cb.Close)
	return cb
}

func run(cb *CircuitBreaker, fail bool) error {
	_, err := cb.Run(context.Background(), func(context.Context) (interface{}, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}, nil)
	return err
}

func TestCircuitBreaker_VolumeThresholdIsStrictlyGreaterThan(t *testing.T) {
	cb := newTestBreaker(t, 10)
	for i := 0; i < 10; i++ {
		_ = run(cb, true)
	}
	assert.False(t, cb.IsOpen(), "exactly volumeThreshold failures must not trip the breaker")
}

func TestCircuitBreaker_TripsAboveThreshold(t *testing.T) {
	cb := newTestBreaker(t, 5)
	for i := 0; i < 7; i++ {
		_ = run(cb, true)
	}
	assert.True(t, cb.IsOpen())

	_, err := cb.Run(context.Background(), func(context.Context) (interface{}, error) {
		t.Fatal("command must not run while open")
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreaker_HalfOpenThenClose(t *testing.T) {
	cb := newTestBreaker(t, 2)
	for i := 0; i < 5; i++ {
		_ = run(cb, true)
	}
	require.True(t, cb.IsOpen())

	time.Sleep(30 * time.Millisecond)

	// First probe after the wait duration must run and, on success, close
	// the breaker again.
	err := run(cb, false)
	require.NoError(t, err)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_ForceOpenThenUnforceRestoresPriorState(t *testing.T) {
	cb := newTestBreaker(t, 100)
	require.False(t, cb.IsOpen())

	cb.ForceOpen()
	assert.True(t, cb.IsOpen())
	_, err := cb.Run(context.Background(), func(context.Context) (interface{}, error) {
		t.Fatal("command must not run while forced open")
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrOpen)

	cb.Unforce()
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreaker_ForceCloseStillTalliesButNeverTrips(t *testing.T) {
	cb := newTestBreaker(t, 1)
	cb.ForceClose()
	for i := 0; i < 10; i++ {
		err := run(cb, true)
		assert.Error(t, err)
	}
	assert.False(t, cb.IsOpen(), "forced closed must never transition even past the threshold")
}

func TestCircuitBreaker_FallbackRunsWhenOpen(t *testing.T) {
	cb := newTestBreaker(t, 1)
	cb.ForceOpen()
	v, err := cb.Run(context.Background(), func(context.Context) (interface{}, error) {
		return "unreachable", nil
	}, func(error) (interface{}, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestCircuitBreaker_CommandTimeoutChargesTimeoutBucket(t *testing.T) {
	cb := newTestBreaker(t, 1)
	_, err := cb.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}, nil)
	assert.Error(t, err)
	m := cb.snapshot()
	assert.Equal(t, uint64(1), m.ErrorCount)
}
