package app

import (
	"context"

	"go.uber.org/zap"
)

// RoleHooks defines lifecycle hooks for leader and follower responsibilities.
type RoleHooks interface {
	StartLeader(ctx context.Context)
	StopLeader()
	StartFollower(ctx context.Context)
	StopFollower()
}

// RoleManager handles role transitions based on leadership signals.
type RoleManager struct {
	hooks  RoleHooks
	logger *zap.Logger

	haveRole bool
	isLeader bool
}

// NewRoleManager creates a role manager.
func NewRoleManager(hooks RoleHooks, logger ...*zap.Logger) *RoleManager {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &RoleManager{hooks: hooks, logger: baseLogger}
}

// Run processes role transition events until the event stream closes, ctx is cancelled,
// or the elector fails. The active role is stopped before Run returns so a replica that
// lost its elector never keeps computing boards.
func (m *RoleManager) Run(ctx context.Context, roleEvents <-chan bool, electorErrs <-chan error) error {
	if m == nil || m.hooks == nil {
		return nil
	}
	defer m.stepDown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-electorErrs:
			if !ok {
				electorErrs = nil
				continue
			}
			if err != nil {
				return err
			}
		case nextRole, ok := <-roleEvents:
			if !ok {
				return nil
			}
			m.apply(ctx, nextRole)
		}
	}
}

func (m *RoleManager) apply(ctx context.Context, nextRole bool) {
	if m.haveRole && nextRole == m.isLeader {
		return
	}
	if m.haveRole {
		m.stop()
	}
	m.haveRole = true
	m.isLeader = nextRole
	m.logger.Info("applying runtime role", zap.Bool("is_leader", nextRole))
	if nextRole {
		m.hooks.StartLeader(ctx)
		return
	}
	m.hooks.StartFollower(ctx)
}

func (m *RoleManager) stop() {
	if m.isLeader {
		m.hooks.StopLeader()
		return
	}
	m.hooks.StopFollower()
}

func (m *RoleManager) stepDown() {
	if !m.haveRole {
		return
	}
	m.stop()
	m.haveRole = false
}
