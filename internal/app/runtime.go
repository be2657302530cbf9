package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/config"
	"github.com/cam3ron2/github-leaderboard/internal/exporter"
	"github.com/cam3ron2/github-leaderboard/internal/health"
	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/github-leaderboard/internal/ratelimit"
	"github.com/cam3ron2/github-leaderboard/internal/registry"
	"github.com/cam3ron2/github-leaderboard/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const storeHealthTimeout = 2 * time.Second

type snapshotStore interface {
	ReplaceSnapshot(ctx context.Context, role store.RuntimeRole, snapshot store.Snapshot) error
	Latest(ctx context.Context) (store.Snapshot, bool, error)
	Healthy(ctx context.Context) bool
	Close() error
}

type snapshotCollector interface {
	GC(now time.Time)
}

type repositoryResolver interface {
	Resolve(ctx context.Context) (registry.Resolution, error)
}

type boardBuilder interface {
	Run(ctx context.Context, repos []leaderboard.Repository) (leaderboard.Report, error)
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg         *config.Config
	store       snapshotStore
	redisClient redis.UniversalClient
	reader      *exporter.CachedSnapshotReader
	resolver    repositoryResolver
	pipeline    boardBuilder
	limiter     *ratelimit.Window
	metrics     *exporter.PipelineMetrics
	evaluator   *health.StatusEvaluator
	logger      *zap.Logger

	authenticated bool

	// cycleMu serializes leader cycles.
	cycleMu sync.Mutex

	mu                 sync.RWMutex
	role               health.Role
	schedulerHealthy   bool
	githubClientUsable bool
	lastRunID          string
	lastRunAt          time.Time
	lastRunSucceeded   bool

	leaderCancel   context.CancelFunc
	followerCancel context.CancelFunc

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime instance. A nil factory builds GitHub clients from cfg.
func NewRuntime(cfg *config.Config, factory SourceFactory, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if factory == nil {
		factory = NewGitHubSourceFactory(cfg)
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	metrics := exporter.NewPipelineMetrics()
	limiter, err := ratelimit.New(ratelimit.Config{
		Limit:     cfg.RateLimit.MaxRequests,
		Interval:  cfg.RateLimit.Interval,
		OnDelay:   metrics.ObserveLimiterDelay,
		OnAcquire: metrics.ObserveLimiterAcquire,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	sources, err := factory(limiter)
	if err != nil {
		return nil, fmt.Errorf("build github sources: %w", err)
	}

	resolver, err := registry.NewResolver(cfg.GitHub.Repositories, cfg.GitHub.Orgs, sources.Lister, limiter, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("create repository resolver: %w", err)
	}

	weights := cfg.Leaderboard.Weights
	pipeline, err := leaderboard.NewPipeline(sources.Fetcher, limiter, leaderboard.Config{
		MonthlyWeeks: cfg.Leaderboard.MonthlyWeeks,
		WeeklyWeeks:  cfg.Leaderboard.WeeklyWeeks,
		Weights: leaderboard.Weights{
			Additions: weights.Additions,
			Deletions: weights.Deletions,
			Commits:   weights.Commits,
		},
		FetchTimeout: cfg.Leaderboard.FetchTimeout,
		Observer:     metrics,
	}, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("create leaderboard pipeline: %w", err)
	}

	if !sources.Authenticated {
		baseLogger.Info("no github token configured; requests are unauthenticated")
	}

	runtime := &Runtime{
		cfg:                cfg,
		resolver:           resolver,
		pipeline:           pipeline,
		limiter:            limiter,
		metrics:            metrics,
		evaluator:          health.NewStatusEvaluator(),
		logger:             baseLogger,
		authenticated:      sources.Authenticated,
		role:               health.RoleFollower,
		githubClientUsable: true,
		Now:                time.Now,
	}
	runtime.store, runtime.redisClient = newRuntimeStore(cfg, baseLogger, func() time.Time { return runtime.Now() })
	runtime.reader = exporter.NewCachedSnapshotReader(runtime.store, exporter.CacheConfig{
		RefreshInterval: cfg.Store.CacheRefreshInterval,
	})
	return runtime, nil
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	metricsHandler := exporter.NewOpenMetricsHandler(r.reader, r.metrics.Collectors()...)
	healthHandler := health.NewHandler(r)
	trusted, err := r.cfg.API.TrustedProxyPrefixes()
	if err != nil {
		r.logger.Warn("ignoring invalid trusted proxies", zap.Error(err))
		trusted = nil
	}
	limiter := newClientLimiter(r.cfg.API.RequestsPerSecond, r.cfg.API.Burst, trusted...)
	return NewHTTPHandler(r.reader, metricsHandler, healthHandler, limiter)
}

// Close releases store connections.
func (r *Runtime) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// StartLeader starts leader responsibilities.
func (r *Runtime) StartLeader(ctx context.Context) {
	r.mu.Lock()
	if r.followerCancel != nil {
		r.followerCancel()
		r.followerCancel = nil
	}
	leaderCtx, cancel := context.WithCancel(ctx)
	r.leaderCancel = cancel
	r.role = health.RoleLeader
	r.schedulerHealthy = true
	r.mu.Unlock()

	r.logger.Info(
		"starting leader loop",
		zap.Int("static_repositories", len(r.cfg.GitHub.Repositories)),
		zap.Int("org_count", len(r.cfg.GitHub.Orgs)),
		zap.Duration("interval", r.cfg.Leaderboard.RefreshInterval),
		zap.Bool("run_on_start", r.cfg.Leaderboard.RunOnStart),
		zap.Bool("authenticated", r.authenticated),
	)

	go r.runLeaderLoop(leaderCtx)
}

// StopLeader stops leader responsibilities.
func (r *Runtime) StopLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderCancel != nil {
		r.leaderCancel()
		r.leaderCancel = nil
	}
	r.schedulerHealthy = false
	r.logger.Info("stopped leader loop")
}

// StartFollower starts follower responsibilities.
func (r *Runtime) StartFollower(ctx context.Context) {
	r.mu.Lock()
	if r.leaderCancel != nil {
		r.leaderCancel()
		r.leaderCancel = nil
	}
	followerCtx, cancel := context.WithCancel(ctx)
	r.followerCancel = cancel
	r.role = health.RoleFollower
	r.schedulerHealthy = false
	r.mu.Unlock()
	r.logger.Info("starting follower loop")

	go r.runFollowerLoop(followerCtx)
}

// StopFollower stops follower responsibilities.
func (r *Runtime) StopFollower() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.followerCancel != nil {
		r.followerCancel()
		r.followerCancel = nil
	}
	r.logger.Info("stopped follower loop")
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	if ctx == nil {
		ctx = context.Background()
	}
	healthCtx, cancel := context.WithTimeout(ctx, storeHealthTimeout)
	storeHealthy := r.store.Healthy(healthCtx)
	cancel()

	_, snapshotAvailable, err := r.reader.Latest(ctx)
	if err != nil {
		r.logger.Debug("snapshot read failed during health evaluation", zap.Error(err))
	}

	r.mu.RLock()
	input := health.Input{
		Role:               r.role,
		StoreHealthy:       storeHealthy,
		SchedulerHealthy:   r.schedulerHealthy,
		GitHubClientUsable: r.githubClientUsable,
		SnapshotAvailable:  snapshotAvailable,
		LastRunSucceeded:   r.lastRunSucceeded,
		LastRunID:          r.lastRunID,
		LastRunAt:          r.lastRunAt,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// RunLeaderCycle resolves the repository set, builds the three boards and stores the snapshot.
// Repositories that fail are reported in the snapshot diagnostics; the returned error covers
// cancellation, failed organization discovery and failed snapshot writes.
func (r *Runtime) RunLeaderCycle(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	cycleStart := time.Now()
	resolution, err := r.resolver.Resolve(ctx)
	if err != nil {
		r.finishCycle("", false)
		return fmt.Errorf("resolve repositories: %w", err)
	}

	var resultErr error
	for _, failure := range resolution.Failed {
		resultErr = errors.Join(resultErr, fmt.Errorf("discover %s: %w", failure.Org, failure.Err))
	}

	report, err := r.pipeline.Run(ctx, resolution.Repositories)
	if err != nil {
		r.finishCycle("", false)
		return errors.Join(resultErr, fmt.Errorf("build leaderboard: %w", err))
	}
	for _, diagnostic := range report.Diagnostics {
		r.logger.Debug(
			"repository excluded from run",
			zap.String("run_id", report.RunID),
			zap.String("repository", diagnostic.Repository.FullName()),
			zap.String("kind", string(diagnostic.Kind)),
			zap.Int("status_code", diagnostic.StatusCode),
			zap.String("message", diagnostic.Message),
		)
	}

	now := r.Now().UTC()
	if err := r.store.ReplaceSnapshot(ctx, store.RoleLeader, store.Snapshot{Report: report, StoredAt: now}); err != nil {
		r.finishCycle(report.RunID, false)
		return errors.Join(resultErr, fmt.Errorf("store snapshot: %w", err))
	}
	r.reader.Invalidate()
	if collector, ok := r.store.(snapshotCollector); ok {
		collector.GC(now)
	}
	r.finishCycle(report.RunID, true)

	r.logger.Info(
		"leader cycle completed",
		zap.String("run_id", report.RunID),
		zap.Int("repositories_requested", report.Summary.Requested),
		zap.Int("repositories_folded", report.Summary.Folded),
		zap.Int("fetch_failed", report.Summary.FetchFailed),
		zap.Int("validation_failed", report.Summary.ValidationFailed),
		zap.Int("invalid_input", report.Summary.InvalidInput),
		zap.Int("orgs_failed", len(resolution.Failed)),
		zap.Int("all_time_members", len(report.Boards[0].Members)),
		zap.Int("requests_in_window", r.limiter.InWindow()),
		zap.Duration("duration", time.Since(cycleStart)),
	)
	return resultErr
}

func (r *Runtime) finishCycle(runID string, succeeded bool) {
	if !succeeded {
		r.metrics.ObserveRunFailure()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRunSucceeded = succeeded
	if succeeded {
		r.lastRunID = runID
		r.lastRunAt = r.Now().UTC()
	}
}

func (r *Runtime) runLeaderLoop(ctx context.Context) {
	interval := r.cfg.Leaderboard.RefreshInterval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if r.cfg.Leaderboard.RunOnStart {
		r.runLeaderCycleLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("leader loop stopped")
			return
		case <-ticker.C:
			r.runLeaderCycleLogged(ctx)
		}
	}
}

func (r *Runtime) runLeaderCycleLogged(ctx context.Context) {
	if err := r.RunLeaderCycle(ctx); err != nil {
		if ctx.Err() != nil {
			r.logger.Info("leaderboard run interrupted", zap.Error(err))
			return
		}
		r.logger.Warn("leaderboard run finished with errors", zap.Error(err))
	}
}

// runFollowerLoop keeps the cached snapshot warm and reports when the leader publishes a new run.
func (r *Runtime) runFollowerLoop(ctx context.Context) {
	interval := r.cfg.Store.CacheRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeen := r.observeSnapshot(ctx, "")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("follower loop stopped")
			return
		case <-ticker.C:
			lastSeen = r.observeSnapshot(ctx, lastSeen)
		}
	}
}

func (r *Runtime) observeSnapshot(ctx context.Context, lastSeen string) string {
	snapshot, found, err := r.reader.Latest(ctx)
	if err != nil {
		r.logger.Warn("follower snapshot refresh failed", zap.Error(err))
		return lastSeen
	}
	if !found {
		return lastSeen
	}
	if snapshot.RunID != lastSeen {
		r.logger.Info(
			"follower observed leaderboard snapshot",
			zap.String("run_id", snapshot.RunID),
			zap.Time("completed_at", snapshot.CompletedAt),
		)
	}
	return snapshot.RunID
}
