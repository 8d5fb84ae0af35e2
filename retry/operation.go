package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Operation drives re-attempts of a user-supplied function under a
// Schedule. The user function receives the current attempt ordinal, 1-based.
type Operation struct {
	fn      func(ctx context.Context, ordinal int) error
	backoff backoff.BackOff

	mu      sync.Mutex
	ordinal int
}

// NewOperation builds a driver around fn, walking schedule for delays
// between attempts.
func NewOperation(schedule Schedule, fn func(ctx context.Context, ordinal int) error) *Operation {
	return &Operation{fn: fn, backoff: schedule.BackOff()}
}

// Attempt runs fn immediately at ordinal 1.
func (o *Operation) Attempt(ctx context.Context) error {
	o.mu.Lock()
	o.ordinal = 1
	o.mu.Unlock()
	return o.fn(ctx, 1)
}

// Retry waits for the next scheduled delay (or runs immediately when
// immediate is true) and then runs fn at the next ordinal. It reports
// ok=false when the schedule is exhausted, in which case fn does not run.
func (o *Operation) Retry(ctx context.Context, immediate bool) (ordinal int, ok bool, err error) {
	d := o.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false, nil
	}
	if !immediate {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-t.C:
		}
	}
	o.mu.Lock()
	o.ordinal++
	n := o.ordinal
	o.mu.Unlock()
	return n, true, o.fn(ctx, n)
}
