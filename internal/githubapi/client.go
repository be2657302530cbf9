package githubapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig configures GitHub client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Gate admits one outbound request.
type Gate interface {
	Wait(ctx context.Context) error
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client sends GitHub requests, retrying transport failures, 5xx/429 answers and
// rate-limit rejections. Waits between attempts honour the request context.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	// Gate admits every attempt after the first. The caller admits the first attempt.
	Gate Gate
	// After is the timer used between attempts.
	After func(d time.Duration) <-chan time.Time
}

// NewClient creates a GitHub API client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		After:      time.After,
	}
}

// Do executes req until it gets a final answer or runs out of attempts. The last
// retryable response is returned as is, so callers still see its status code.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx, span := c.startSpan(req)
	if span != nil {
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := c.admitRetry(ctx); err != nil {
				failSpan(span, err, "retry not admitted")
				return nil, metadata, err
			}
		}
		metadata.Attempts = attempt
		final := attempt >= c.retry.MaxAttempts

		resp, err := c.doer.Do(req.Clone(ctx))
		if err != nil {
			if span != nil {
				span.AddEvent("attempt_failed", trace.WithAttributes(attribute.Int("github.attempt", attempt)))
			}
			if final || ctx.Err() != nil {
				failSpan(span, err, err.Error())
				return nil, metadata, err
			}
			if err := c.pause(ctx, backoffForAttempt(c.retry, attempt)); err != nil {
				failSpan(span, err, "retry wait cancelled")
				return nil, metadata, err
			}
			continue
		}

		headers := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		decision := c.ratePolicy.Evaluate(headers)
		metadata.LastRateHeaders = headers
		metadata.LastDecision = decision
		annotateAttempt(span, attempt, resp.StatusCode, headers, decision)

		wait, retryable := c.retryWait(attempt, resp.StatusCode, decision)
		if !retryable {
			if span != nil {
				span.SetStatus(codes.Ok, "request completed")
			}
			return resp, metadata, nil
		}
		if final {
			if span != nil {
				span.SetStatus(codes.Error, fmt.Sprintf("gave up after status %d (%s)", resp.StatusCode, decision.Reason))
			}
			return resp, metadata, nil
		}
		drainAndClose(resp)
		if err := c.pause(ctx, wait); err != nil {
			failSpan(span, err, "retry wait cancelled")
			return nil, metadata, err
		}
	}
}

// retryWait reports whether a response should be retried and how long to wait first.
// A 403 or 429 rate-limit rejection waits as long as the policy says; other retries
// back off. Any other answer, including a 2xx that used up the budget, is final.
func (c *Client) retryWait(attempt, statusCode int, decision Decision) (time.Duration, bool) {
	if !decision.Allow && isRateLimitStatus(statusCode) {
		return decision.WaitFor, true
	}
	if isTransientStatus(statusCode) {
		return backoffForAttempt(c.retry, attempt), true
	}
	return 0, false
}

func (c *Client) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait %s before retry: %w", d, ctx.Err())
	case <-c.After(d):
		return nil
	}
}

func (c *Client) admitRetry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Gate == nil {
		return nil
	}
	if err := c.Gate.Wait(ctx); err != nil {
		return fmt.Errorf("wait for retry permit: %w", err)
	}
	return nil
}

func (c *Client) startSpan(req *http.Request) (context.Context, trace.Span) {
	ctx := req.Context()
	if !telemetry.ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer("github-leaderboard/internal/githubapi").Start(
		ctx,
		"githubapi.client.do",
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.EscapedPath()),
			attribute.Int("github.max_attempts", c.retry.MaxAttempts),
		),
	)
}

func annotateAttempt(span trace.Span, attempt, statusCode int, headers RateLimitHeaders, decision Decision) {
	if span == nil {
		return
	}
	span.AddEvent("attempt_completed", trace.WithAttributes(
		attribute.Int("github.attempt", attempt),
		attribute.Int("http.status_code", statusCode),
		attribute.String("github.rate_limit_resource", headers.Resource),
		attribute.Int("github.rate_limit_remaining", headers.Remaining),
		attribute.Int64("github.rate_limit_reset_unix", headers.ResetUnix),
		attribute.String("github.rate_limit_reason", decision.Reason),
	))
}

func failSpan(span trace.Span, err error, description string) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func isRateLimitStatus(statusCode int) bool {
	return statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests
}

func isTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode <= 599)
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff >= retry.MaxBackoff {
			break
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
