package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// Role identifies the runtime role for readiness evaluation.
type Role string

const (
	// RoleLeader computes and stores the boards.
	RoleLeader Role = "leader"
	// RoleFollower serves boards stored by the leader.
	RoleFollower Role = "follower"
)

// Mode summarizes health for dashboards and alerts.
type Mode string

const (
	// ModeHealthy means every component is up and a board is being served.
	ModeHealthy Mode = "healthy"
	// ModeDegraded means the replica is ready but serves no board or a stale one.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy means a component required by the role is down.
	ModeUnhealthy Mode = "unhealthy"
)

const (
	componentStore        = "store"
	componentScheduler    = "scheduler"
	componentGitHubClient = "github_client"
	componentSnapshot     = "snapshot"
	componentLastRun      = "last_run_succeeded"
)

// requiredComponents lists what each role needs to be ready.
var requiredComponents = map[Role][]string{
	RoleLeader:   {componentStore, componentScheduler, componentGitHubClient},
	RoleFollower: {componentStore},
}

// Input is the dependency state sampled by the runtime.
type Input struct {
	Role               Role
	StoreHealthy       bool
	SchedulerHealthy   bool
	GitHubClientUsable bool
	SnapshotAvailable  bool
	LastRunSucceeded   bool
	LastRunID          string
	LastRunAt          time.Time
}

// Status is the evaluated health served on /healthz.
type Status struct {
	Role       Role            `json:"role"`
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
	// Failing names the components that are down, sorted.
	Failing   []string   `json:"failing,omitempty"`
	LastRunID string     `json:"last_run_id,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates role-aware health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate derives readiness from the components the role requires. A missing snapshot,
// or a failed last run on the leader, degrades the mode without affecting readiness.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		componentStore:        input.StoreHealthy,
		componentScheduler:    input.SchedulerHealthy,
		componentGitHubClient: input.GitHubClientUsable,
		componentSnapshot:     input.SnapshotAvailable,
		componentLastRun:      input.LastRunSucceeded,
	}

	status := Status{
		Role:       input.Role,
		Mode:       ModeHealthy,
		Ready:      true,
		Components: components,
		LastRunID:  input.LastRunID,
	}

	required, ok := requiredComponents[input.Role]
	if !ok {
		required = requiredComponents[RoleFollower]
	}
	for _, name := range required {
		if !components[name] {
			status.Ready = false
			status.Failing = append(status.Failing, name)
		}
	}

	switch {
	case !status.Ready:
		status.Mode = ModeUnhealthy
	case !input.SnapshotAvailable:
		status.Mode = ModeDegraded
		status.Failing = append(status.Failing, componentSnapshot)
	case input.Role == RoleLeader && !input.LastRunSucceeded:
		status.Mode = ModeDegraded
		status.Failing = append(status.Failing, componentLastRun)
	}
	slices.Sort(status.Failing)

	if !input.LastRunAt.IsZero() {
		lastRunAt := input.LastRunAt.UTC()
		status.LastRunAt = &lastRunAt
	}
	return status
}

// NewHandler serves /livez, /readyz and /healthz. Only /readyz reflects readiness in its
// status code; /healthz always answers 200 with the full status.
func NewHandler(provider Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		switch r.URL.Path {
		case "/livez":
			writeText(w, http.StatusOK, "ok")
		case "/readyz":
			if provider.CurrentStatus(r.Context()).Ready {
				writeText(w, http.StatusOK, "ready")
				return
			}
			writeText(w, http.StatusServiceUnavailable, "not ready")
		case "/healthz":
			payload, err := json.Marshal(provider.CurrentStatus(r.Context()))
			if err != nil {
				writeText(w, http.StatusInternalServerError, "marshal health status")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			//nolint:gosec // server-generated JSON status.
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
