package leader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const releaseTimeout = 2 * time.Second

// acquireOrRenewScript takes the lease when it is free or already held by ARGV[1].
var acquireOrRenewScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lease only when ARGV[1] still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseConfig configures Redis lease-based election.
type RedisLeaseConfig struct {
	Key           string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
	// OnError observes failed acquire or renew attempts. The elector steps down and retries.
	OnError func(err error)
	After   func(d time.Duration) <-chan time.Time
}

// RedisLeaseElector implements leader election with a single expiring Redis key.
type RedisLeaseElector struct {
	client        redis.Scripter
	key           string
	identity      string
	leaseDuration time.Duration
	retryPeriod   time.Duration
	onError       func(error)
	after         func(time.Duration) <-chan time.Time
}

// NewRedisLeaseElector creates a Redis lease elector.
func NewRedisLeaseElector(client redis.Scripter, cfg RedisLeaseConfig) (*RedisLeaseElector, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("lease key is required")
	}
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, fmt.Errorf("elector identity is required")
	}

	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	retryPeriod := cfg.RetryPeriod
	if retryPeriod <= 0 {
		retryPeriod = 5 * time.Second
	}
	if retryPeriod >= leaseDuration {
		return nil, fmt.Errorf("retry period must be shorter than the lease duration")
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}

	return &RedisLeaseElector{
		client:        client,
		key:           strings.TrimSpace(cfg.Key),
		identity:      strings.TrimSpace(cfg.Identity),
		leaseDuration: leaseDuration,
		retryPeriod:   retryPeriod,
		onError:       cfg.OnError,
		after:         after,
	}, nil
}

// Run evaluates lease ownership in a retry loop and emits leadership state.
// The lease is released when ctx is cancelled while held.
func (e *RedisLeaseElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	if e == nil {
		return fmt.Errorf("redis lease elector is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	held := false
	defer func() {
		if held {
			e.release()
		}
	}()

	for {
		acquired, err := e.TryAcquireOrRenew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if e.onError != nil {
				e.onError(err)
			}
			acquired = false
		}
		held = acquired
		emit(acquired)

		select {
		case <-ctx.Done():
			return nil
		case <-e.after(e.retryPeriod):
		}
	}
}

// TryAcquireOrRenew attempts to take or extend the lease.
func (e *RedisLeaseElector) TryAcquireOrRenew(ctx context.Context) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("redis lease elector is nil")
	}
	result, err := acquireOrRenewScript.Run(
		ctx,
		e.client,
		[]string{e.key},
		e.identity,
		e.leaseDuration.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", e.key, err)
	}
	return result == 1, nil
}

func (e *RedisLeaseElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, e.client, []string{e.key}, e.identity).Err(); err != nil && e.onError != nil {
		e.onError(fmt.Errorf("release lease %s: %w", e.key, err))
	}
}
