package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedule_LengthAndClamp(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 5, Factor: 2, MinTimeout: 10 * time.Millisecond, MaxTimeout: 40 * time.Millisecond, Randomize: false})
	require.NoError(t, err)
	assert.Len(t, s, 5)
	for _, d := range s {
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestNewSchedule_MonotonicWithoutRandomize(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 4, Factor: 2, MinTimeout: 10 * time.Millisecond, MaxTimeout: 1 * time.Second, Randomize: false})
	require.NoError(t, err)
	for i := 1; i < len(s); i++ {
		assert.LessOrEqual(t, s[i-1], s[i])
	}
}

func TestNewSchedule_ExactValuesFromSpecExample(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 3, Factor: 2, MinTimeout: 10 * time.Millisecond, MaxTimeout: 40 * time.Millisecond, Randomize: false})
	require.NoError(t, err)
	assert.Equal(t, Schedule{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, s)
}

func TestNewSchedule_MinGreaterThanMaxFails(t *testing.T) {
	_, err := NewSchedule(Config{Retries: 1, MinTimeout: 2 * time.Second, MaxTimeout: time.Second})
	assert.Error(t, err)
}

func TestNewSchedule_ZeroRetriesIsEmpty(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 0, MinTimeout: time.Millisecond, MaxTimeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, s, 0)
}

func TestOperation_AttemptThenRetryUntilExhausted(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 2, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond, Randomize: false})
	require.NoError(t, err)

	var calls []int
	op := NewOperation(s, func(ctx context.Context, ordinal int) error {
		calls = append(calls, ordinal)
		return errors.New("fail")
	})

	require.Error(t, op.Attempt(context.Background()))
	_, ok, err := op.Retry(context.Background(), true)
	require.True(t, ok)
	require.Error(t, err)
	_, ok, err = op.Retry(context.Background(), true)
	require.True(t, ok)
	require.Error(t, err)

	_, ok, _ = op.Retry(context.Background(), true)
	assert.False(t, ok, "schedule must be exhausted after `retries` calls to Retry")

	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestOperation_RetryRespectsContextCancellation(t *testing.T) {
	s, err := NewSchedule(Config{Retries: 1, MinTimeout: time.Second, MaxTimeout: time.Second})
	require.NoError(t, err)
	op := NewOperation(s, func(context.Context, int) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := op.Retry(ctx, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
