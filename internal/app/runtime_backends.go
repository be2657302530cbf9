package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/config"
	"github.com/cam3ron2/github-leaderboard/internal/leader"
	"github.com/cam3ron2/github-leaderboard/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitialRoleEnv selects the role of a statically elected process.
const InitialRoleEnv = "GITHUB_LEADERBOARD_INITIAL_ROLE"

func newRuntimeStore(cfg *config.Config, logger *zap.Logger, now func() time.Time) (snapshotStore, redis.UniversalClient) {
	retention := cfg.Store.Retention
	memory := store.NewMemoryStore(retention, now)
	if !strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		return memory, nil
	}

	redisClient, err := newRedisClientFromConfig(cfg)
	if err != nil {
		logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
		return memory, nil
	}
	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace: cfg.Store.Namespace,
		Retention: retention,
		Now:       now,
	}), redisClient
}

func newRedisClientFromConfig(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}

// NewElector returns the leader elector configured for this runtime.
// lookupEnv defaults to os.LookupEnv.
func (r *Runtime) NewElector(lookupEnv func(string) (string, bool)) (leader.Elector, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	if strings.EqualFold(r.cfg.Leader.Election, "redis_lease") {
		if r.redisClient == nil {
			return nil, fmt.Errorf("redis lease election requires a connected redis store")
		}
		elector, err := leader.NewRedisLeaseElector(r.redisClient, leader.RedisLeaseConfig{
			Key:           r.cfg.Leader.LeaseKey,
			Identity:      electorIdentity(),
			LeaseDuration: r.cfg.Leader.LeaseDuration,
			RetryPeriod:   r.cfg.Leader.RetryPeriod,
			OnError: func(err error) {
				r.logger.Warn("leader lease attempt failed; stepping down", zap.Error(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create redis lease elector: %w", err)
		}
		return elector, nil
	}

	role, _ := lookupEnv(InitialRoleEnv)
	return leader.StaticElector{IsLeader: !strings.EqualFold(strings.TrimSpace(role), "follower")}, nil
}

func electorIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "github-leaderboard"
	}
	return hostname + "-" + uuid.NewString()
}
