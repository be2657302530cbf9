package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const defaultGitHubAPIBaseURL = "https://api.github.com/"

// EndpointStatus represents a normalized GitHub API endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusAccepted indicates GitHub accepted the request and is still computing results.
	EndpointStatusAccepted EndpointStatus = "accepted"
	// EndpointStatusNoContent indicates a repository without statistics, such as an empty one.
	EndpointStatusNoContent EndpointStatus = "no_content"
	// EndpointStatusForbidden indicates authorization failure or restricted access.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusConflict indicates a state conflict, like unsupported stats on empty repositories.
	EndpointStatusConflict EndpointStatus = "conflict"
	// EndpointStatusUnprocessable indicates request validation/processing failure.
	EndpointStatusUnprocessable EndpointStatus = "unprocessable"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// ContributorStatsResult is the typed result for `/stats/contributors`.
// Raw is set only when Status is EndpointStatusOK.
type ContributorStatsResult struct {
	Status     EndpointStatus
	StatusCode int
	Raw        json.RawMessage
	Metadata   CallMetadata
}

// StatusError reports a non-success contributor stats response.
type StatusError struct {
	Owner      string
	Repo       string
	StatusCode int
	Status     EndpointStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("contributor stats for %s/%s returned %d (%s)", e.Owner, e.Repo, e.StatusCode, e.Status)
}

// HTTPStatusCode returns the response status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// DataClient is a GitHub REST client for the contributor statistics endpoint.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
}

// NewDataClient creates a data client over the generic retry/rate-limit request client.
func NewDataClient(baseURL string, requestClient *Client) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
	}, nil
}

// GetContributorStats reads the contributor weekly stats body for one repository.
// The body is decoded as JSON but its shape is not checked.
func (c *DataClient) GetContributorStats(ctx context.Context, owner, repo string) (ContributorStatsResult, error) {
	trimmedOwner := strings.TrimSpace(owner)
	trimmedRepo := strings.TrimSpace(repo)
	if trimmedOwner == "" {
		return ContributorStatsResult{}, fmt.Errorf("owner is required")
	}
	if trimmedRepo == "" {
		return ContributorStatsResult{}, fmt.Errorf("repo is required")
	}

	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(
		reqURL.Path,
		"repos",
		url.PathEscape(trimmedOwner),
		url.PathEscape(trimmedRepo),
		"stats",
		"contributors",
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return ContributorStatsResult{}, fmt.Errorf("build contributor stats request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return ContributorStatsResult{}, fmt.Errorf("contributor stats request failed: %w", err)
	}
	if resp == nil {
		return ContributorStatsResult{}, fmt.Errorf("contributor stats request failed: nil response")
	}

	result := ContributorStatsResult{
		Status:     endpointStatusFromHTTP(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Metadata:   metadata,
	}
	if result.Status != EndpointStatusOK {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return result, nil
	}

	var raw json.RawMessage
	if err := decodeJSONAndClose(resp, &raw); err != nil {
		return ContributorStatsResult{}, fmt.Errorf("decode contributor stats response: %w", err)
	}
	result.Raw = raw
	return result, nil
}

// FetchContributorStats returns the raw contributor stats body, or a *StatusError
// for any response other than 200 OK with content.
func (c *DataClient) FetchContributorStats(ctx context.Context, owner, repo string) ([]byte, error) {
	result, err := c.GetContributorStats(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if result.Status != EndpointStatusOK {
		return nil, &StatusError{
			Owner:      strings.TrimSpace(owner),
			Repo:       strings.TrimSpace(repo),
			StatusCode: result.StatusCode,
			Status:     result.Status,
		}
	}
	return result.Raw, nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch statusCode {
	case http.StatusOK:
		return EndpointStatusOK
	case http.StatusAccepted:
		return EndpointStatusAccepted
	case http.StatusNoContent:
		return EndpointStatusNoContent
	case http.StatusForbidden:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusConflict:
		return EndpointStatusConflict
	case http.StatusUnprocessableEntity:
		return EndpointStatusUnprocessable
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}
