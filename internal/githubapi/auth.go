package githubapi

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// HTTPClientConfig configures the outbound GitHub HTTP client.
type HTTPClientConfig struct {
	// TokenEnv names an environment variable holding an optional access token.
	// Requests are anonymous when it is empty or unset.
	TokenEnv      string
	Timeout       time.Duration
	BaseTransport http.RoundTripper
	// LookupEnv is injected for testability.
	LookupEnv func(key string) (string, bool)
}

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// NewHTTPClient creates the GitHub HTTP client. It reports whether requests carry a token.
func NewHTTPClient(cfg HTTPClientConfig) (*http.Client, bool, error) {
	if cfg.Timeout < 0 {
		return nil, false, fmt.Errorf("timeout must be >= 0")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	lookup := cfg.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	token := ""
	if envName := strings.TrimSpace(cfg.TokenEnv); envName != "" {
		if value, ok := lookup(envName); ok {
			token = strings.TrimSpace(value)
		}
	}
	if token == "" {
		return &http.Client{
			Transport: baseTransport,
			Timeout:   cfg.Timeout,
		}, false, nil
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   baseTransport,
		},
		Timeout: cfg.Timeout,
	}, true, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}
