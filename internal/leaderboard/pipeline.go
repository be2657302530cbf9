package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultMonthlyWeeks is the monthly tier length in weeks.
	DefaultMonthlyWeeks = 4
	// DefaultWeeklyWeeks is the weekly tier length in weeks.
	DefaultWeeklyWeeks = 1
)

var errEmptyRepository = errors.New("owner and repo are required")

// StatsFetcher reads the raw contributor stats body of one repository.
type StatsFetcher interface {
	FetchContributorStats(ctx context.Context, owner, repo string) ([]byte, error)
}

// Limiter admits fetch initiations.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RunObserver receives per-repository outcomes and completed runs.
type RunObserver interface {
	ObserveRepository(kind string)
	ObserveRun(report Report, duration time.Duration)
}

// statusCoder is implemented by fetch errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// Config configures leaderboard computation.
type Config struct {
	MonthlyWeeks int
	WeeklyWeeks  int
	Weights      Weights
	// FetchTimeout bounds one repository fetch after it was admitted by the limiter.
	FetchTimeout time.Duration
	Observer     RunObserver
}

// Pipeline fetches contributor stats for a set of repositories and builds the three boards.
type Pipeline struct {
	fetcher StatsFetcher
	limiter Limiter
	cfg     Config
	tiers   [3]TierSpec
	logger  *zap.Logger

	// Now and NewRunID are injected for deterministic tests.
	Now      func() time.Time
	NewRunID func() string
}

type fetchOutcome struct {
	repo Repository
	raw  []byte
	err  error
}

// NewPipeline creates a pipeline. The limiter is shared by every fetch of every run.
func NewPipeline(fetcher StatsFetcher, limiter Limiter, cfg Config, logger ...*zap.Logger) (*Pipeline, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("stats fetcher is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.MonthlyWeeks <= 0 {
		cfg.MonthlyWeeks = DefaultMonthlyWeeks
	}
	if cfg.WeeklyWeeks <= 0 {
		cfg.WeeklyWeeks = DefaultWeeklyWeeks
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	return &Pipeline{
		fetcher:  fetcher,
		limiter:  limiter,
		cfg:      cfg,
		tiers:    TierSpecs(cfg.MonthlyWeeks, cfg.WeeklyWeeks),
		logger:   baseLogger,
		Now:      time.Now,
		NewRunID: uuid.NewString,
	}, nil
}

// Run fetches every repository concurrently, folds the valid responses and returns
// the all-time, monthly and weekly boards in that order. Per-repository failures are
// recorded as diagnostics; only cancellation of ctx fails the run.
func (p *Pipeline) Run(ctx context.Context, repos []Repository) (Report, error) {
	runID := p.NewRunID()
	startedAt := p.Now()
	cycleStart := time.Now()

	ctx, span := otel.Tracer("github-leaderboard/internal/leaderboard").Start(
		ctx,
		"leaderboard.pipeline.run",
		trace.WithAttributes(
			attribute.String("leaderboard.run_id", runID),
			attribute.Int("leaderboard.repositories", len(repos)),
		),
	)
	defer span.End()

	p.logger.Info("leaderboard run started", zap.String("run_id", runID), zap.Int("repositories", len(repos)))

	outcomes := make([]fetchOutcome, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		repo = Repository{Owner: strings.TrimSpace(repo.Owner), Repo: strings.TrimSpace(repo.Repo)}
		if repo.Owner == "" || repo.Repo == "" {
			outcomes[i] = fetchOutcome{repo: repo, err: errEmptyRepository}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = p.fetch(ctx, repo)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run cancelled")
		return Report{}, fmt.Errorf("leaderboard run %s: %w", runID, err)
	}

	states := [3]*tierState{}
	for i, spec := range p.tiers {
		states[i] = newTierState(spec, p.cfg.Weights)
	}

	report := Report{
		RunID:       runID,
		StartedAt:   startedAt,
		Diagnostics: []Diagnostic{},
		Summary:     Summary{Requested: len(repos)},
	}
	for _, outcome := range outcomes {
		contributors, diagnostic, ok := p.settle(runID, outcome)
		if !ok {
			report.Diagnostics = append(report.Diagnostics, diagnostic)
			switch diagnostic.Kind {
			case DiagnosticFetch:
				report.Summary.FetchFailed++
			case DiagnosticValidation:
				report.Summary.ValidationFailed++
			case DiagnosticInput:
				report.Summary.InvalidInput++
			}
			p.observeRepository(string(diagnostic.Kind))
			continue
		}
		for _, state := range states {
			state.fold(outcome.repo, contributors)
		}
		report.Summary.Folded++
		p.observeRepository("folded")
	}

	for i, state := range states {
		report.Boards[i] = state.finalize()
	}
	report.CompletedAt = p.Now()

	span.SetAttributes(
		attribute.Int("leaderboard.folded", report.Summary.Folded),
		attribute.Int("leaderboard.diagnostics", len(report.Diagnostics)),
	)
	span.SetStatus(codes.Ok, "run completed")

	duration := time.Since(cycleStart)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveRun(report, duration)
	}
	p.logger.Info(
		"leaderboard run completed",
		zap.String("run_id", runID),
		zap.Int("repositories", report.Summary.Requested),
		zap.Int("folded", report.Summary.Folded),
		zap.Int("fetch_failed", report.Summary.FetchFailed),
		zap.Int("validation_failed", report.Summary.ValidationFailed),
		zap.Int("invalid_input", report.Summary.InvalidInput),
		zap.Int("all_times_members", len(report.Boards[0].Members)),
		zap.Int("last_month_members", len(report.Boards[1].Members)),
		zap.Int("last_week_members", len(report.Boards[2].Members)),
		zap.Duration("duration", duration),
	)
	return report, nil
}

func (p *Pipeline) fetch(ctx context.Context, repo Repository) fetchOutcome {
	if err := p.limiter.Wait(ctx); err != nil {
		return fetchOutcome{repo: repo, err: &FetchError{Repository: repo, Err: err}}
	}

	fetchCtx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	p.logger.Debug("fetching contributor stats", zap.String("owner", repo.Owner), zap.String("repo", repo.Repo))
	raw, err := p.fetcher.FetchContributorStats(fetchCtx, repo.Owner, repo.Repo)
	if err != nil {
		fetchErr := &FetchError{Repository: repo, Err: err}
		var coded statusCoder
		if errors.As(err, &coded) {
			fetchErr.StatusCode = coded.HTTPStatusCode()
		}
		return fetchOutcome{repo: repo, err: fetchErr}
	}
	return fetchOutcome{repo: repo, raw: raw}
}

// settle validates one outcome; it returns the diagnostic when the repository must be skipped.
func (p *Pipeline) settle(runID string, outcome fetchOutcome) ([]Contributor, Diagnostic, bool) {
	if outcome.err != nil {
		diagnostic := Diagnostic{
			Repository: outcome.repo,
			Kind:       DiagnosticFetch,
			Message:    outcome.err.Error(),
		}
		var fetchErr *FetchError
		if errors.As(outcome.err, &fetchErr) {
			diagnostic.StatusCode = fetchErr.StatusCode
		}
		if errors.Is(outcome.err, errEmptyRepository) {
			diagnostic.Kind = DiagnosticInput
		}
		p.logger.Warn(
			"repository skipped",
			zap.String("run_id", runID),
			zap.String("owner", outcome.repo.Owner),
			zap.String("repo", outcome.repo.Repo),
			zap.String("reason", string(diagnostic.Kind)),
			zap.Int("status_code", diagnostic.StatusCode),
			zap.Error(outcome.err),
		)
		return nil, diagnostic, false
	}

	contributors, err := ValidateContributors(outcome.raw)
	if err != nil {
		validationErr := &ValidationError{Repository: outcome.repo, Err: err}
		p.logger.Warn(
			"repository skipped",
			zap.String("run_id", runID),
			zap.String("owner", outcome.repo.Owner),
			zap.String("repo", outcome.repo.Repo),
			zap.String("reason", string(DiagnosticValidation)),
			zap.Error(validationErr),
		)
		return nil, Diagnostic{
			Repository: outcome.repo,
			Kind:       DiagnosticValidation,
			Message:    validationErr.Error(),
		}, false
	}
	return contributors, Diagnostic{}, true
}

func (p *Pipeline) observeRepository(kind string) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveRepository(kind)
	}
}
