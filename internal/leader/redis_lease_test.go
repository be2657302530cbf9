package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLeaseClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, server
}

func TestNewRedisLeaseElector(t *testing.T) {
	t.Parallel()

	client, _ := newLeaseClient(t)
	testCases := []struct {
		name    string
		client  redis.Scripter
		cfg     RedisLeaseConfig
		wantErr bool
	}{
		{name: "valid", client: client, cfg: RedisLeaseConfig{Key: "lease", Identity: "a"}},
		{name: "missing_client", cfg: RedisLeaseConfig{Key: "lease", Identity: "a"}, wantErr: true},
		{name: "missing_key", client: client, cfg: RedisLeaseConfig{Identity: "a"}, wantErr: true},
		{name: "missing_identity", client: client, cfg: RedisLeaseConfig{Key: "lease"}, wantErr: true},
		{
			name:    "retry_not_shorter_than_lease",
			client:  client,
			cfg:     RedisLeaseConfig{Key: "lease", Identity: "a", LeaseDuration: time.Second, RetryPeriod: time.Second},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRedisLeaseElector(tc.client, tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatalf("NewRedisLeaseElector() expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("NewRedisLeaseElector() unexpected error: %v", err)
			}
		})
	}
}

func TestRedisLeaseElectorTryAcquireOrRenew(t *testing.T) {
	t.Parallel()

	client, server := newLeaseClient(t)
	first, err := NewRedisLeaseElector(client, RedisLeaseConfig{Key: "test:leader", Identity: "instance-a", LeaseDuration: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewRedisLeaseElector(a) unexpected error: %v", err)
	}
	second, err := NewRedisLeaseElector(client, RedisLeaseConfig{Key: "test:leader", Identity: "instance-b", LeaseDuration: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewRedisLeaseElector(b) unexpected error: %v", err)
	}
	ctx := context.Background()

	if acquired, err := first.TryAcquireOrRenew(ctx); err != nil || !acquired {
		t.Fatalf("first acquire = %t err %v, want acquired", acquired, err)
	}
	if holder, _ := server.Get("test:leader"); holder != "instance-a" {
		t.Fatalf("holder = %q, want instance-a", holder)
	}
	if acquired, err := second.TryAcquireOrRenew(ctx); err != nil || acquired {
		t.Fatalf("second acquire while held = %t err %v, want not acquired", acquired, err)
	}

	server.FastForward(20 * time.Second)
	if acquired, err := first.TryAcquireOrRenew(ctx); err != nil || !acquired {
		t.Fatalf("renew = %t err %v, want renewed", acquired, err)
	}
	if ttl := server.TTL("test:leader"); ttl != 30*time.Second {
		t.Fatalf("TTL after renew = %v, want 30s", ttl)
	}

	server.FastForward(31 * time.Second)
	if acquired, err := second.TryAcquireOrRenew(ctx); err != nil || !acquired {
		t.Fatalf("takeover after expiry = %t err %v, want acquired", acquired, err)
	}
	if holder, _ := server.Get("test:leader"); holder != "instance-b" {
		t.Fatalf("holder = %q, want instance-b", holder)
	}
}

func TestRedisLeaseElectorRunReleasesOnCancel(t *testing.T) {
	t.Parallel()

	client, server := newLeaseClient(t)
	immediate := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	elector, err := NewRedisLeaseElector(client, RedisLeaseConfig{
		Key:      "test:leader",
		Identity: "instance-a",
		After:    immediate,
	})
	if err != nil {
		t.Fatalf("NewRedisLeaseElector() unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observed := make([]bool, 0)
	err = elector.Run(ctx, func(isLeader bool) {
		observed = append(observed, isLeader)
		if len(observed) == 3 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(observed) < 3 {
		t.Fatalf("observed = %v, want at least 3 events", observed)
	}
	for i, isLeader := range observed {
		if !isLeader {
			t.Fatalf("observed[%d] = false, want leader", i)
		}
	}
	if server.Exists("test:leader") {
		t.Fatalf("lease key still present after cancellation")
	}
}

func TestRedisLeaseElectorStepsDownOnError(t *testing.T) {
	t.Parallel()

	client, server := newLeaseClient(t)
	server.SetError("ERR lease store unavailable")

	errCount := 0
	immediate := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	elector, err := NewRedisLeaseElector(client, RedisLeaseConfig{
		Key:      "test:leader",
		Identity: "instance-a",
		OnError:  func(error) { errCount++ },
		After:    immediate,
	})
	if err != nil {
		t.Fatalf("NewRedisLeaseElector() unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observed := make([]bool, 0)
	if err := elector.Run(ctx, func(isLeader bool) {
		observed = append(observed, isLeader)
		if len(observed) == 2 {
			cancel()
		}
	}); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(observed) < 2 || observed[0] || observed[1] {
		t.Fatalf("observed = %v, want follower events", observed)
	}
	if errCount < 2 {
		t.Fatalf("errCount = %d, want at least 2", errCount)
	}
}
