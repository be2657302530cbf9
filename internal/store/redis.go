package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const redisTracerName = "github-leaderboard/internal/store"

type redisCommander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed snapshot store.
type RedisStoreConfig struct {
	Namespace string
	Retention time.Duration
	// Now stamps snapshots written without StoredAt. Defaults to time.Now.
	Now func() time.Time
}

// RedisStore keeps the latest snapshot in Redis so every replica serves the same boards.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "github-leaderboard"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		retention: cfg.Retention,
		now:       now,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// ReplaceSnapshot overwrites the latest snapshot key. Only the leader may write.
func (s *RedisStore) ReplaceSnapshot(ctx context.Context, role RuntimeRole, snapshot Snapshot) (err error) {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := validateWrite(role, snapshot); err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "redis.replace_snapshot")
	defer func() { endSpan(span, err) }()

	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = s.now().UTC()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.latestKey(), payload, s.retention).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Latest loads the latest snapshot. A missing or expired key is not an error.
func (s *RedisStore) Latest(ctx context.Context) (snapshot Snapshot, found bool, err error) {
	if s == nil || s.client == nil {
		return Snapshot{}, false, fmt.Errorf("redis store is not initialized")
	}

	ctx, span := s.startSpan(ctx, "redis.latest_snapshot")
	defer func() { endSpan(span, err) }()

	payload, err := s.client.Get(ctx, s.latestKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Healthy reports whether Redis answers a ping.
func (s *RedisStore) Healthy(ctx context.Context) bool {
	if s == nil || s.client == nil {
		return false
	}
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) latestKey() string {
	return s.namespace + ":leaderboard:latest"
}

func (s *RedisStore) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !telemetry.ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer(redisTracerName).Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.redis.key", s.latestKey()),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
