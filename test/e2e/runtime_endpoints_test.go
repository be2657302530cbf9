//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cam3ron2/github-leaderboard/internal/app"
	"github.com/cam3ron2/github-leaderboard/internal/config"
	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"go.uber.org/zap"
)

const statsPathRepoA = "/repos/cam3ron2/repo-a/stats/contributors"

type runtimeHarness struct {
	leaderURL   string
	followerURL string
	httpClient  *http.Client
	github      *fakeGitHubAPI
}

func TestRuntimeEndpointsConverge(t *testing.T) {
	t.Parallel()

	harness := newRuntimeHarness(t)

	t.Run("health_endpoints_report_ready_roles", func(t *testing.T) {
		err := waitForCondition(20*time.Second, 100*time.Millisecond, func() (bool, error) {
			leaderStatus, err := fetchHealthStatus(harness.httpClient, harness.leaderURL)
			if err != nil {
				return false, err
			}
			followerStatus, err := fetchHealthStatus(harness.httpClient, harness.followerURL)
			if err != nil {
				return false, err
			}

			leaderReady := leaderStatus.Role == "leader" && leaderStatus.Ready
			followerReady := followerStatus.Role == "follower" && followerStatus.Ready
			return leaderReady && followerReady, nil
		})
		if err != nil {
			t.Fatalf("health endpoints did not converge: %v", err)
		}
	})

	t.Run("leaderboards_converge", func(t *testing.T) {
		var leaderBody, followerBody string
		err := waitForCondition(30*time.Second, 100*time.Millisecond, func() (bool, error) {
			var fetchErr error
			leaderBody, followerBody, fetchErr = fetchPair(harness.httpClient, harness.leaderURL, harness.followerURL, "/leaderboard")
			if fetchErr != nil {
				return false, nil
			}
			return leaderBody == followerBody, nil
		})
		if err != nil {
			t.Fatalf("leaderboards did not converge: %v; leader=%s follower=%s", err, leaderBody, followerBody)
		}

		var boards []leaderboard.Board
		if err := json.Unmarshal([]byte(leaderBody), &boards); err != nil {
			t.Fatalf("decode leaderboard: %v", err)
		}
		if len(boards) != 3 || boards[0].Stat != leaderboard.StatAllTimes {
			t.Fatalf("boards = %+v, want all-time first of three", boards)
		}
		allTime := boards[0].Members
		if len(allTime) != 2 {
			t.Fatalf("all-time members = %d, want 2", len(allTime))
		}
		if allTime[0].Login != "alice" || allTime[0].Score != 100 {
			t.Fatalf("leader = %+v, want alice scored 100", allTime[0])
		}
		if len(allTime[0].Projects) != 2 {
			t.Fatalf("alice projects = %+v, want repo-a and tool", allTime[0].Projects)
		}
		if allTime[1].Login != "bob" || allTime[1].Score <= 0 || allTime[1].Score >= 100 {
			t.Fatalf("runner-up = %+v, want bob with partial score", allTime[1])
		}
		if boards[0].Since == nil || boards[0].Until == nil || *boards[0].Since > *boards[0].Until {
			t.Fatalf("all-time window = %v..%v, want ordered bounds", boards[0].Since, boards[0].Until)
		}
	})

	t.Run("latest_run_reports_pending_repository", func(t *testing.T) {
		body, err := fetchEndpoint(harness.httpClient, harness.followerURL+"/runs/latest")
		if err != nil {
			t.Fatalf("fetch latest run: %v", err)
		}
		var report leaderboard.Report
		if err := json.Unmarshal([]byte(body), &report); err != nil {
			t.Fatalf("decode latest run: %v", err)
		}
		if report.Summary.Requested != 3 || report.Summary.Folded != 2 || report.Summary.FetchFailed != 1 {
			t.Fatalf("Summary = %+v, want 3 requested, 2 folded, 1 failed", report.Summary)
		}
		if len(report.Diagnostics) != 1 || report.Diagnostics[0].StatusCode != http.StatusAccepted {
			t.Fatalf("Diagnostics = %+v, want one 202 diagnostic", report.Diagnostics)
		}
	})

	t.Run("metrics_expose_member_scores", func(t *testing.T) {
		leaderMetrics, followerMetrics, err := fetchPair(harness.httpClient, harness.leaderURL, harness.followerURL, "/metrics")
		if err != nil {
			t.Fatalf("fetch metrics: %v", err)
		}
		for _, metrics := range []string{leaderMetrics, followerMetrics} {
			if !strings.Contains(metrics, `github_leaderboard_member_score{login="alice",node_id="MDQ6VXNlcjE=",stat="allTimes"} 100`) {
				t.Fatalf("metrics missing alice score:\n%s", metrics)
			}
		}
		if !strings.Contains(leaderMetrics, `github_leaderboard_runs_total{result="completed"} 1`) {
			t.Fatalf("leader metrics missing successful run counter:\n%s", leaderMetrics)
		}
	})

	t.Run("only_leader_fetches_from_github", func(t *testing.T) {
		if got := harness.github.PathCallCount(statsPathRepoA); got != 1 {
			t.Fatalf("stats calls for repo-a = %d, want 1", got)
		}
	})
}

func newRuntimeHarness(t *testing.T) runtimeHarness {
	t.Helper()

	redisServer := miniredis.RunT(t)
	github := seedFixture(t, time.Now().UTC())

	cfg := buildRuntimeConfig(redisServer.Addr(), github.URL())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	leaderRuntime, err := app.NewRuntime(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("leader runtime: %v", err)
	}
	followerRuntime, err := app.NewRuntime(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("follower runtime: %v", err)
	}
	leaderRuntime.StartLeader(ctx)
	followerRuntime.StartFollower(ctx)

	t.Cleanup(func() {
		leaderRuntime.StopLeader()
		followerRuntime.StopFollower()
		_ = leaderRuntime.Close()
		_ = followerRuntime.Close()
	})

	leaderServer := httptest.NewServer(leaderRuntime.Handler())
	followerServer := httptest.NewServer(followerRuntime.Handler())
	t.Cleanup(leaderServer.Close)
	t.Cleanup(followerServer.Close)

	return runtimeHarness{
		leaderURL:   leaderServer.URL,
		followerURL: followerServer.URL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		github: github,
	}
}

func seedFixture(t *testing.T, now time.Time) *fakeGitHubAPI {
	t.Helper()

	lastWeek := now.Truncate(24*time.Hour).AddDate(0, 0, -7)
	earlier := lastWeek.AddDate(0, 0, -7)
	alice := func(weeks ...fixtureContributorWeek) fixtureContributor {
		return fixtureContributor{User: "alice", ID: 1, NodeID: "MDQ6VXNlcjE=", Weeks: weeks}
	}

	github := newFakeGitHubAPI(t)
	github.SetOrgRepos("cam3ron2", []string{"repo-a", "repo-b"})
	github.SetRepository("cam3ron2", "repo-a", repositoryFixture{Contributors: []fixtureContributor{
		alice(
			fixtureContributorWeek{WeekStart: earlier, Additions: 40, Deletions: 10, Commits: 4},
			fixtureContributorWeek{WeekStart: lastWeek, Additions: 20, Deletions: 5, Commits: 2},
		),
		{User: "bob", ID: 2, NodeID: "MDQ6VXNlcjI=", Weeks: []fixtureContributorWeek{
			{WeekStart: earlier, Additions: 5, Deletions: 1, Commits: 1},
			{WeekStart: lastWeek, Additions: 0, Deletions: 0, Commits: 0},
		}},
	}})
	github.SetRepository("cam3ron2", "repo-b", repositoryFixture{})
	github.FailPath("/repos/cam3ron2/repo-b/stats/contributors", http.StatusAccepted, 1000)
	github.SetRepository("shigops", "tool", repositoryFixture{Contributors: []fixtureContributor{
		alice(
			fixtureContributorWeek{WeekStart: earlier, Additions: 3, Deletions: 0, Commits: 1},
			fixtureContributorWeek{WeekStart: lastWeek, Additions: 7, Deletions: 2, Commits: 1},
		),
	}})
	return github
}

func buildRuntimeConfig(redisAddr, githubURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   "debug",
		},
		GitHub: config.GitHubConfig{
			APIBaseURL:     githubURL,
			RequestTimeout: 2 * time.Second,
			Repositories:   []config.RepositoryConfig{{Owner: "shigops", Repo: "tool"}},
			Orgs:           []config.GitHubOrgConfig{{Org: "cam3ron2"}},
		},
		RateLimit: config.RateLimitConfig{
			MaxRequests: 60,
			Interval:    time.Hour,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Leaderboard: config.LeaderboardConfig{
			MonthlyWeeks:    4,
			WeeklyWeeks:     1,
			Weights:         config.WeightsConfig{Additions: 3, Deletions: 2, Commits: 1},
			RefreshInterval: time.Hour,
			FetchTimeout:    5 * time.Second,
			RunOnStart:      true,
		},
		Store: config.StoreConfig{
			Backend:              "redis",
			RedisMode:            "standalone",
			RedisAddr:            redisAddr,
			Namespace:            "github-leaderboard-e2e",
			Retention:            24 * time.Hour,
			CacheRefreshInterval: 100 * time.Millisecond,
		},
		Leader: config.LeaderConfig{Election: "static"},
		API:    config.APIConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

type healthStatus struct {
	Role  string `json:"role"`
	Ready bool   `json:"ready"`
}

func fetchHealthStatus(client *http.Client, baseURL string) (healthStatus, error) {
	body, err := fetchEndpoint(client, baseURL+"/healthz")
	if err != nil {
		return healthStatus{}, err
	}
	var status healthStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		return healthStatus{}, fmt.Errorf("decode health payload: %w", err)
	}
	return status, nil
}

func fetchPair(client *http.Client, leaderURL, followerURL, path string) (string, string, error) {
	type response struct {
		body string
		err  error
	}

	var wg sync.WaitGroup
	leaderCh := make(chan response, 1)
	followerCh := make(chan response, 1)

	wg.Go(func() {
		body, err := fetchEndpoint(client, leaderURL+path)
		leaderCh <- response{body: body, err: err}
	})
	wg.Go(func() {
		body, err := fetchEndpoint(client, followerURL+path)
		followerCh <- response{body: body, err: err}
	})
	wg.Wait()

	leaderResponse := <-leaderCh
	followerResponse := <-followerCh
	if leaderResponse.err != nil {
		return "", "", leaderResponse.err
	}
	if followerResponse.err != nil {
		return "", "", followerResponse.err
	}
	return leaderResponse.body, followerResponse.body, nil
}

func fetchEndpoint(client *http.Client, endpoint string) (string, error) {
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s body: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request %s returned status %d", endpoint, resp.StatusCode)
	}
	return string(body), nil
}

func waitForCondition(timeout, interval time.Duration, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ok, err := fn()
		if ok && err == nil {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		time.Sleep(interval)
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("condition did not converge before timeout")
}
