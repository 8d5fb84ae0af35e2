// Package retry implements the exponential-backoff schedule generator and
// the attempt/retry driver used by the request orchestrator.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config parameterises schedule generation.
type Config struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Randomize  bool
}

// DefaultConfig returns the library's baseline retry policy: no retries by
// default, a doubling factor between a 200ms floor and a 400ms ceiling.
func DefaultConfig() Config {
	return Config{
		Retries:    0,
		Factor:     2,
		MinTimeout: 200 * time.Millisecond,
		MaxTimeout: 400 * time.Millisecond,
		Randomize:  true,
	}
}

// Schedule is an ascending sequence of delays, one per retry attempt.
type Schedule []time.Duration

// NewSchedule builds the ascending delay schedule:
//
//	r   = randomize ? uniform[1,2) : 1
//	d_i = max(minTimeout, min(maxTimeout, round(r * minTimeout * factor^i)))
//
// then sorts ascending. Construction fails when minTimeout > maxTimeout.
func NewSchedule(cfg Config) (Schedule, error) {
	if cfg.MinTimeout > cfg.MaxTimeout {
		return nil, fmt.Errorf("retry: minTimeout (%s) must be <= maxTimeout (%s)", cfg.MinTimeout, cfg.MaxTimeout)
	}
	if cfg.Factor == 0 {
		cfg.Factor = 2
	}
	delays := make([]time.Duration, cfg.Retries)
	for i := 0; i < cfg.Retries; i++ {
		r := 1.0
		if cfg.Randomize {
			r = 1 + rand.Float64()
		}
		d := r * float64(cfg.MinTimeout) * math.Pow(cfg.Factor, float64(i))
		dur := time.Duration(math.Round(d))
		if dur > cfg.MaxTimeout {
			dur = cfg.MaxTimeout
		}
		if dur < cfg.MinTimeout {
			dur = cfg.MinTimeout
		}
		delays[i] = dur
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	return Schedule(delays), nil
}

// cursor adapts a Schedule into cenkalti/backoff's BackOff interface, so
// the schedule can be driven by any backoff-aware caller.
type cursor struct {
	schedule Schedule
	idx      int
}

var _ backoff.BackOff = (*cursor)(nil)

func (c *cursor) NextBackOff() time.Duration {
	if c.idx >= len(c.schedule) {
		return backoff.Stop
	}
	d := c.schedule[c.idx]
	c.idx++
	return d
}

func (c *cursor) Reset() { c.idx = 0 }

// BackOff returns a fresh cenkalti/backoff.BackOff walking this schedule
// from its start.
func (s Schedule) BackOff() backoff.BackOff {
	return &cursor{schedule: s}
}
