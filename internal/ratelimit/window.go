package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultLimit is the unauthenticated GitHub REST budget per interval.
	DefaultLimit = 60
	// DefaultInterval is the rolling window length.
	DefaultInterval = time.Hour
)

// Clock abstracts time so limiter behavior can be verified with a simulated clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures a rolling-window limiter.
type Config struct {
	Limit    int
	Interval time.Duration
	Clock    Clock
	// OnDelay is called each time a caller has to wait for capacity.
	OnDelay func(wait time.Duration)
	// OnAcquire is called with the grant time of every admitted caller.
	OnAcquire func(at time.Time)
}

// Window admits at most Limit callers within any trailing Interval.
// Callers over the limit are delayed until capacity frees; they are never rejected.
type Window struct {
	limit     int
	interval  time.Duration
	clock     Clock
	onDelay   func(time.Duration)
	onAcquire func(time.Time)

	mu     sync.Mutex
	grants []time.Time
}

// New creates a rolling-window limiter.
func New(cfg Config) (*Window, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be > 0")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("rate limit interval must be > 0")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Window{
		limit:     cfg.Limit,
		interval:  cfg.Interval,
		clock:     clock,
		onDelay:   cfg.OnDelay,
		onAcquire: cfg.OnAcquire,
		grants:    make([]time.Time, 0, cfg.Limit),
	}, nil
}

// Limit reports the configured ceiling.
func (w *Window) Limit() int {
	return w.limit
}

// Interval reports the configured rolling window length.
func (w *Window) Interval() time.Duration {
	return w.interval
}

// Wait blocks until the caller may start one operation or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := w.tryAcquire()
		if ok {
			return nil
		}
		if w.onDelay != nil {
			w.onDelay(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(wait):
		}
	}
}

// InWindow reports how many grants fall inside the current trailing interval.
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.clock.Now())
	return len(w.grants)
}

func (w *Window) tryAcquire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)
	if len(w.grants) < w.limit {
		w.grants = append(w.grants, now)
		if w.onAcquire != nil {
			w.onAcquire(now)
		}
		return 0, true
	}

	wait := w.grants[0].Add(w.interval).Sub(now)
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait, false
}

// pruneLocked drops grants at or before now-interval; grants stay sorted by time.
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.interval)
	drop := 0
	for drop < len(w.grants) && !w.grants[drop].After(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	w.grants = append(w.grants[:0], w.grants[drop:]...)
}
