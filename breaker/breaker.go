// Package breaker implements a rolling-window circuit breaker:
// OPEN/HALF_OPEN/CLOSED transitions driven by a ring of fixed-duration
// buckets, with forceOpen/forceClose/unforce overrides layered on top of a
// sony/gobreaker state machine.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the breaker's externally visible state: OPEN, HALF_OPEN or
// CLOSED.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// ErrOpen is returned by Run/Enroll when the breaker is gating commands,
// whether because it tripped naturally or because it was forced open.
var ErrOpen = errors.New("circuit breaker is open")

// Bucket is one fixed-duration slot of the rolling window.
type Bucket struct {
	Successes     uint64
	Failures      uint64
	Timeouts      uint64
	ShortCircuits uint64
}

func (b Bucket) total() uint64 {
	return b.Successes + b.Failures + b.Timeouts
}

// Metrics is the rolling-window snapshot handed to OnCircuitOpen/OnCircuitClose.
type Metrics struct {
	TotalCount      uint64
	ErrorCount      uint64
	ErrorPercentage float64
	Buckets         []Bucket
}

// Settings configures a CircuitBreaker. Zero-value fields fall back to
// withDefaults' baseline.
type Settings struct {
	Name                     string
	WindowDuration           time.Duration
	NumBuckets               int
	ErrorThreshold           float64 // percent, e.g. 50 for 50%
	VolumeThreshold          uint64
	WaitDurationInOpenState  time.Duration
	CommandTimeout           time.Duration // internal timeoutDuration, charges timeouts++
	OnCircuitOpen            func(Metrics)
	OnCircuitClose           func(Metrics)
	Logger                   *zap.Logger
}

func (s Settings) withDefaults() Settings {
	if s.WindowDuration <= 0 {
		s.WindowDuration = 10 * time.Second
	}
	if s.NumBuckets <= 0 {
		s.NumBuckets = 10
	}
	if s.ErrorThreshold <= 0 {
		s.ErrorThreshold = 50
	}
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = 5
	}
	if s.WaitDurationInOpenState <= 0 {
		s.WaitDurationInOpenState = s.WindowDuration / 2
	}
	if s.CommandTimeout <= 0 {
		// Generous ceiling distinct from the attempt's own connect/read
		// timeouts: this only guards against a command that hangs forever
		// without ever honoring ctx, not against ordinary slow requests.
		s.CommandTimeout = 30 * time.Second
	}
	if s.OnCircuitOpen == nil {
		s.OnCircuitOpen = func(Metrics) {}
	}
	if s.OnCircuitClose == nil {
		s.OnCircuitClose = func(Metrics) {}
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return s
}

// CircuitBreaker is a rolling-window failure detector. The zero value is
// not usable; construct with New.
type CircuitBreaker struct {
	settings Settings

	mu      sync.Mutex
	buckets []Bucket
	current int

	forced     bool
	forcedOpen bool

	gb *gobreaker.CircuitBreaker

	stop chan struct{}
	done chan struct{}
}

// New constructs a CircuitBreaker and starts its background bucket-rotation
// ticker. Call Close to stop the ticker; it is a daemon task that never
// blocks process shutdown on its own (nothing waits on it), but Close lets
// callers release it deterministically.
func New(settings Settings) *CircuitBreaker {
	s := settings.withDefaults()
	cb := &CircuitBreaker{
		settings: s,
		buckets:  make([]Bucket, s.NumBuckets),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	cb.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.WaitDurationInOpenState,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return cb.readyToTripLocked()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
	})
	go cb.rotate()
	return cb
}

// Close stops the background rotation ticker.
func (cb *CircuitBreaker) Close() {
	close(cb.stop)
	<-cb.done
}

func (cb *CircuitBreaker) rotate() {
	defer close(cb.done)
	period := cb.settings.WindowDuration / time.Duration(cb.settings.NumBuckets)
	if period <= 0 {
		period = time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-cb.stop:
			return
		case <-t.C:
			cb.mu.Lock()
			cb.current = (cb.current + 1) % len(cb.buckets)
			cb.buckets[cb.current] = Bucket{}
			cb.mu.Unlock()
		}
	}
}

// readyToTripLocked computes the volume/error-threshold tripping rule over
// the current ring.
// Called from within gobreaker's own locking, so it takes our mutex itself.
func (cb *CircuitBreaker) readyToTripLocked() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var total, errs uint64
	for _, b := range cb.buckets {
		total += b.total()
		errs += b.Failures + b.Timeouts
	}
	if total == 0 {
		return false
	}
	pct := float64(errs) / float64(total) * 100
	return total > cb.settings.VolumeThreshold && pct > cb.settings.ErrorThreshold
}

func (cb *CircuitBreaker) snapshot() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	buckets := make([]Bucket, len(cb.buckets))
	copy(buckets, cb.buckets)
	var total, errs uint64
	for _, b := range buckets {
		total += b.total()
		errs += b.Failures + b.Timeouts
	}
	pct := 0.0
	if total > 0 {
		pct = float64(errs) / float64(total) * 100
	}
	return Metrics{TotalCount: total, ErrorCount: errs, ErrorPercentage: pct, Buckets: buckets}
}

func (cb *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	m := cb.snapshot()
	switch to {
	case gobreaker.StateOpen:
		cb.settings.Logger.Warn("circuit breaker open", zap.String("breaker", cb.settings.Name), zap.Float64("error_percentage", m.ErrorPercentage))
		cb.settings.OnCircuitOpen(m)
	case gobreaker.StateClosed:
		cb.settings.Logger.Info("circuit breaker closed", zap.String("breaker", cb.settings.Name))
		cb.settings.OnCircuitClose(m)
	}
}

func (cb *CircuitBreaker) chargeLocked(outcome func(*Bucket)) {
	cb.mu.Lock()
	outcome(&cb.buckets[cb.current])
	cb.mu.Unlock()
}

// IsOpen reports true iff the current logical state is OPEN, whether
// natural or forced.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	forced, forcedOpen := cb.forced, cb.forcedOpen
	cb.mu.Unlock()
	if forced {
		return forcedOpen
	}
	return cb.gb.State() == gobreaker.StateOpen
}

// State returns the current logical state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	forced, forcedOpen := cb.forced, cb.forcedOpen
	cb.mu.Unlock()
	if forced {
		if forcedOpen {
			return StateOpen
		}
		return StateClosed
	}
	switch cb.gb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ForceOpen snapshots the current logical state and forces the breaker
// open: commands stop running and every call short-circuits.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.forcedOpen = true
}

// ForceClose snapshots the current logical state and forces the breaker
// closed: commands keep running and outcomes keep being tallied, but they
// never trigger a transition because the underlying state machine is never
// invoked while forced.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.forcedOpen = false
}

// Unforce restores the breaker to whatever its logical state would have
// naturally become. Since the underlying state machine is never advanced
// while forced, its state is simply whatever it was at the moment forcing
// began.
func (cb *CircuitBreaker) Unforce() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
}

// Run executes command under the breaker's supervision. If the breaker is
// open (natural or forced), fallback runs instead when provided; otherwise
// ErrOpen is returned.
func (cb *CircuitBreaker) Run(ctx context.Context, command func(context.Context) (interface{}, error), fallback func(error) (interface{}, error)) (interface{}, error) {
	cb.mu.Lock()
	forced, forcedOpen := cb.forced, cb.forcedOpen
	cb.mu.Unlock()

	if forced && forcedOpen {
		cb.chargeLocked(func(b *Bucket) { b.ShortCircuits++ })
		if fallback != nil {
			return fallback(ErrOpen)
		}
		return nil, ErrOpen
	}

	if forced && !forcedOpen {
		// Forced closed: bypass the state machine entirely, tally the
		// outcome, never trigger a transition.
		v, err := cb.runWithTimeout(ctx, command)
		cb.chargeOutcome(err)
		return v, err
	}

	v, err := cb.gb.Execute(func() (interface{}, error) {
		v, err := cb.runWithTimeout(ctx, command)
		// Charge our own ring before returning, so ReadyToTrip (evaluated
		// by gobreaker immediately after this closure returns) sees it.
		cb.chargeOutcome(err)
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.chargeLocked(func(b *Bucket) { b.ShortCircuits++ })
		if fallback != nil {
			return fallback(ErrOpen)
		}
		return nil, ErrOpen
	}
	return v, err
}

// runWithTimeout races command against the breaker's command timeout; a
// command that doesn't finish in time is charged to timeouts++.
func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, command func(context.Context) (interface{}, error)) (interface{}, error) {
	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := command(ctx)
		ch <- result{v, err}
	}()
	timer := time.NewTimer(cb.settings.CommandTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return nil, errCommandTimeout
	}
}

var errCommandTimeout = errors.New("breaker: command timeout")

// chargeOutcome charges exactly one of successes/failures/timeouts to the
// current bucket based on err: one signal per invocation.
func (cb *CircuitBreaker) chargeOutcome(err error) {
	switch {
	case err == nil:
		cb.chargeLocked(func(b *Bucket) { b.Successes++ })
	case errors.Is(err, errCommandTimeout):
		cb.chargeLocked(func(b *Bucket) { b.Timeouts++ })
	default:
		cb.chargeLocked(func(b *Bucket) { b.Failures++ })
	}
}

