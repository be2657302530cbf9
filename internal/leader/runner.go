package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Elector reports whether this replica currently owns leaderboard computation.
// Implementations call emit on every observation; repeats are filtered by Runner.
type Elector interface {
	Run(ctx context.Context, emit func(isLeader bool)) error
}

// StaticElector holds one role for the life of the process.
type StaticElector struct {
	IsLeader bool
}

// Run emits the configured role and blocks until ctx is done.
func (e StaticElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	emit(e.IsLeader)
	<-ctx.Done()
	return nil
}

// Runner turns an Elector into the role and error channels consumed by the role manager.
type Runner struct {
	elector Elector
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner creates a runner. A nil elector makes the process a permanent leader.
func NewRunner(elector Elector, logger ...*zap.Logger) *Runner {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	if elector == nil {
		elector = StaticElector{IsLeader: true}
	}
	return &Runner{
		elector: elector,
		logger:  baseLogger,
		now:     time.Now,
	}
}

// Start runs the elector in the background. The role channel carries only changes and
// both channels close when the elector returns. A cancelled ctx is not reported as an error.
func (r *Runner) Start(ctx context.Context) (<-chan bool, <-chan error) {
	if ctx == nil {
		ctx = context.Background()
	}

	roles := make(chan bool, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(roles)
		defer close(errs)

		tracker := &roleTracker{logger: r.logger, now: r.now}
		err := r.elector.Run(ctx, func(isLeader bool) {
			if !tracker.observe(isLeader) {
				return
			}
			select {
			case roles <- isLeader:
			case <-ctx.Done():
			}
		})
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs <- fmt.Errorf("leader election stopped: %w", err)
	}()

	return roles, errs
}

type roleTracker struct {
	logger *zap.Logger
	now    func() time.Time

	known    bool
	isLeader bool
	since    time.Time
}

// observe records a role and reports whether it differs from the previous one.
func (t *roleTracker) observe(isLeader bool) bool {
	if t.known && t.isLeader == isLeader {
		return false
	}

	now := t.now()
	fields := []zap.Field{zap.String("role", roleName(isLeader))}
	if t.known {
		fields = append(fields,
			zap.String("previous_role", roleName(t.isLeader)),
			zap.Duration("held_for", now.Sub(t.since)),
		)
	}
	t.known = true
	t.isLeader = isLeader
	t.since = now
	t.logger.Info("leaderboard role changed", fields...)
	return true
}

func roleName(isLeader bool) string {
	if isLeader {
		return "leader"
	}
	return "follower"
}
