package ratelimit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

// steppingClock advances simulated time by the requested duration whenever a waiter sleeps.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Unix(1739836800, 0)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// blockedClock never fires, so waiters only return through context cancellation.
type blockedClock struct {
	now time.Time
}

func (c blockedClock) Now() time.Time { return c.now }

func (c blockedClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestNew(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{Limit: 60, Interval: time.Hour}},
		{name: "zero_limit", cfg: Config{Limit: 0, Interval: time.Hour}, wantErr: "rate limit must be > 0"},
		{name: "zero_interval", cfg: Config{Limit: 1}, wantErr: "rate limit interval must be > 0"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			limiter, err := New(tc.cfg)
			if tc.wantErr != "" {
				if err == nil || err.Error() != tc.wantErr {
					t.Fatalf("New() error = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if limiter.Limit() != tc.cfg.Limit || limiter.Interval() != tc.cfg.Interval {
				t.Fatalf("limiter = %d/%s, want %d/%s", limiter.Limit(), limiter.Interval(), tc.cfg.Limit, tc.cfg.Interval)
			}
		})
	}
}

func TestWindowSequentialCeiling(t *testing.T) {
	t.Parallel()

	clock := newSteppingClock()
	delays := 0
	limiter, err := New(Config{
		Limit:    DefaultLimit,
		Interval: DefaultInterval,
		Clock:    clock,
		OnDelay:  func(time.Duration) { delays++ },
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	grants := make([]time.Time, 0, 100)
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() #%d unexpected error: %v", i, err)
		}
		grants = append(grants, clock.Now())
	}

	assertSlidingCeiling(t, grants, DefaultLimit, DefaultInterval)
	if delays != 1 {
		t.Fatalf("delays = %d, want 1", delays)
	}
	start := time.Unix(1739836800, 0)
	if !grants[59].Equal(start) {
		t.Fatalf("grant[59] = %s, want %s (first 60 admitted immediately)", grants[59], start)
	}
	if !grants[60].Equal(start.Add(time.Hour)) {
		t.Fatalf("grant[60] = %s, want %s", grants[60], start.Add(time.Hour))
	}
}

func TestWindowConcurrentCeiling(t *testing.T) {
	t.Parallel()

	clock := newSteppingClock()
	var mu sync.Mutex
	grants := make([]time.Time, 0, 100)
	limiter, err := New(Config{
		Limit:    DefaultLimit,
		Interval: DefaultInterval,
		Clock:    clock,
		OnAcquire: func(at time.Time) {
			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- limiter.Wait(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Wait() unexpected error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(grants) != 100 {
		t.Fatalf("len(grants) = %d, want 100", len(grants))
	}
	slices.SortFunc(grants, func(a, b time.Time) int { return a.Compare(b) })
	assertSlidingCeiling(t, grants, DefaultLimit, DefaultInterval)
}

func TestWindowWaitHonorsContext(t *testing.T) {
	t.Parallel()

	limiter, err := New(Config{Limit: 1, Interval: time.Minute, Clock: blockedClock{now: time.Unix(0, 0)}})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = limiter.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
	if got := limiter.InWindow(); got != 1 {
		t.Fatalf("InWindow() = %d, want 1", got)
	}
}

func TestWindowReleasesExpiredGrants(t *testing.T) {
	t.Parallel()

	clock := newSteppingClock()
	limiter, err := New(Config{Limit: 2, Interval: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() unexpected error: %v", err)
		}
	}
	if got := limiter.InWindow(); got != 2 {
		t.Fatalf("InWindow() = %d, want 2", got)
	}
	<-clock.After(time.Minute)
	if got := limiter.InWindow(); got != 0 {
		t.Fatalf("InWindow() after interval = %d, want 0", got)
	}
}

func assertSlidingCeiling(t *testing.T, grants []time.Time, limit int, interval time.Duration) {
	t.Helper()
	for i := 0; i+limit < len(grants); i++ {
		if gap := grants[i+limit].Sub(grants[i]); gap < interval {
			t.Fatalf("grants %d and %d are %s apart; more than %d starts within %s", i, i+limit, gap, limit, interval)
		}
	}
}
