package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/config"
	"github.com/cam3ron2/github-leaderboard/internal/githubapi"
	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/github-leaderboard/internal/registry"
)

// GitHubSources are the outbound GitHub collaborators of a runtime.
type GitHubSources struct {
	Fetcher leaderboard.StatsFetcher
	// Lister may be nil when no organizations are configured.
	Lister        registry.RepositoryLister
	Authenticated bool
}

// SourceFactory builds GitHub sources whose retries are admitted by gate.
type SourceFactory func(gate githubapi.Gate) (GitHubSources, error)

// NewGitHubSourceFactory returns the factory that builds GitHub clients from config.
func NewGitHubSourceFactory(cfg *config.Config) SourceFactory {
	return func(gate githubapi.Gate) (GitHubSources, error) {
		return newGitHubSources(cfg, gate, nil)
	}
}

func newGitHubSources(cfg *config.Config, gate githubapi.Gate, lookupEnv func(string) (string, bool)) (GitHubSources, error) {
	if cfg == nil {
		return GitHubSources{}, fmt.Errorf("config is required")
	}

	timeout := cfg.GitHub.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient, authenticated, err := githubapi.NewHTTPClient(githubapi.HTTPClientConfig{
		TokenEnv:      cfg.GitHub.TokenEnv,
		Timeout:       timeout,
		BaseTransport: http.DefaultTransport,
		LookupEnv:     lookupEnv,
	})
	if err != nil {
		return GitHubSources{}, fmt.Errorf("create github http client: %w", err)
	}

	requestClient := githubapi.NewClient(httpClient, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	})
	requestClient.Gate = gate

	dataClient, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, requestClient)
	if err != nil {
		return GitHubSources{}, fmt.Errorf("create data client: %w", err)
	}

	sources := GitHubSources{
		Fetcher:       dataClient,
		Authenticated: authenticated,
	}
	if len(cfg.GitHub.Orgs) > 0 {
		restClient, err := githubapi.NewGitHubRESTClient(httpClient, cfg.GitHub.APIBaseURL)
		if err != nil {
			return GitHubSources{}, fmt.Errorf("create github rest client: %w", err)
		}
		sources.Lister = restClient.Client.Repositories
	}
	return sources, nil
}
