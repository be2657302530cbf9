package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
)

// RuntimeRole represents the current runtime role.
type RuntimeRole string

const (
	// RoleLeader is the leader role.
	RoleLeader RuntimeRole = "leader"
	// RoleFollower is the follower role.
	RoleFollower RuntimeRole = "follower"
)

// Snapshot is the most recent completed leaderboard run.
type Snapshot struct {
	leaderboard.Report
	StoredAt time.Time `json:"stored_at"`
}

// MemoryStore keeps the latest snapshot in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	now       func() time.Time
	latest    *Snapshot
}

// NewMemoryStore creates a memory store. A zero retention keeps the snapshot indefinitely.
// now is the clock used for stamping and expiry and defaults to time.Now.
func NewMemoryStore(retention time.Duration, now ...func() time.Time) *MemoryStore {
	clock := time.Now
	if len(now) > 0 && now[0] != nil {
		clock = now[0]
	}
	return &MemoryStore{
		retention: retention,
		now:       clock,
	}
}

// ReplaceSnapshot replaces the stored snapshot. Only the leader may write.
func (s *MemoryStore) ReplaceSnapshot(ctx context.Context, role RuntimeRole, snapshot Snapshot) error {
	if err := validateWrite(role, snapshot); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &snapshot
	return nil
}

// Latest returns the stored snapshot and whether one exists.
func (s *MemoryStore) Latest(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil || s.expired(*s.latest, s.now()) {
		return Snapshot{}, false, nil
	}
	return *s.latest, true, nil
}

// GC drops the snapshot once it is older than the retention window.
func (s *MemoryStore) GC(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && s.expired(*s.latest, now) {
		s.latest = nil
	}
}

// Healthy reports whether the store can serve reads.
func (s *MemoryStore) Healthy(context.Context) bool {
	return s != nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) expired(snapshot Snapshot, now time.Time) bool {
	if s.retention <= 0 {
		return false
	}
	return !snapshot.StoredAt.Add(s.retention).After(now)
}

func validateWrite(role RuntimeRole, snapshot Snapshot) error {
	if role != RoleLeader {
		return fmt.Errorf("role %q cannot write snapshots", role)
	}
	if snapshot.RunID == "" {
		return fmt.Errorf("snapshot run id is required")
	}
	if snapshot.CompletedAt.IsZero() {
		return fmt.Errorf("snapshot completed time is required")
	}
	return nil
}
