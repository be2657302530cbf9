package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cam3ron2/github-leaderboard/internal/config"
	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

const discoveryPageSize = 100

// RepositoryLister is implemented by go-github's RepositoriesService.
type RepositoryLister interface {
	ListByOrg(ctx context.Context, org string, opts *github.RepositoryListByOrgOptions) ([]*github.Repository, *github.Response, error)
	ListByUser(ctx context.Context, user string, opts *github.RepositoryListByUserOptions) ([]*github.Repository, *github.Response, error)
}

// Gate admits one outbound discovery request.
type Gate interface {
	Wait(ctx context.Context) error
}

// OrgFailure records an organization whose discovery failed.
type OrgFailure struct {
	Org string
	Err error
}

// Resolution is the repository set for one run.
type Resolution struct {
	Repositories []leaderboard.Repository
	Failed       []OrgFailure
}

// Resolver merges static repositories with organization discovery.
type Resolver struct {
	static []config.RepositoryConfig
	orgs   []config.GitHubOrgConfig
	lister RepositoryLister
	gate   Gate
	logger *zap.Logger
}

// NewResolver creates a resolver. lister may be nil when no organizations are configured.
func NewResolver(
	static []config.RepositoryConfig,
	orgs []config.GitHubOrgConfig,
	lister RepositoryLister,
	gate Gate,
	logger *zap.Logger,
) (*Resolver, error) {
	if len(orgs) > 0 && lister == nil {
		return nil, fmt.Errorf("repository lister is required for organization discovery")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		static: static,
		orgs:   orgs,
		lister: lister,
		gate:   gate,
		logger: logger,
	}, nil
}

// Resolve returns static repositories first, then discovered ones. A repository listed
// twice is kept twice and counts twice in the boards. Entries with an empty owner or repo
// are dropped. A failed organization is recorded and skipped; only cancellation of ctx
// returns an error.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	resolution := Resolution{Repositories: []leaderboard.Repository{}}
	add := func(owner, repo string) {
		owner = strings.TrimSpace(owner)
		repo = strings.TrimSpace(repo)
		if owner == "" || repo == "" {
			return
		}
		resolution.Repositories = append(resolution.Repositories, leaderboard.Repository{Owner: owner, Repo: repo})
	}

	for _, repo := range r.static {
		add(repo.Owner, repo.Repo)
	}

	for _, org := range r.orgs {
		repos, err := r.discover(ctx, org)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Resolution{}, fmt.Errorf("resolve repositories: %w", ctxErr)
			}
			r.logger.Warn("organization discovery failed", zap.String("org", org.Org), zap.Error(err))
			resolution.Failed = append(resolution.Failed, OrgFailure{Org: org.Org, Err: err})
			continue
		}
		for _, repo := range filterRepositories(repos, org) {
			owner := repo.GetOwner().GetLogin()
			if owner == "" {
				owner = org.Org
			}
			add(owner, repo.GetName())
		}
	}

	r.logger.Debug(
		"repositories resolved",
		zap.Int("static", len(r.static)),
		zap.Int("orgs", len(r.orgs)),
		zap.Int("repositories", len(resolution.Repositories)),
		zap.Int("failed_orgs", len(resolution.Failed)),
	)
	return resolution, nil
}

func (r *Resolver) discover(ctx context.Context, org config.GitHubOrgConfig) ([]*github.Repository, error) {
	repos, err := r.listByOrg(ctx, org.Org)
	if err == nil {
		return repos, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	r.logger.Debug("organization not found, listing user repositories", zap.String("org", org.Org))
	return r.listByUser(ctx, org.Org)
}

func (r *Resolver) listByOrg(ctx context.Context, org string) ([]*github.Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: discoveryPageSize},
	}
	var all []*github.Repository
	for {
		if err := r.admit(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := r.lister.ListByOrg(ctx, org, opts)
		if err != nil {
			return nil, fmt.Errorf("list repositories for org %s: %w", org, err)
		}
		all = append(all, repos...)
		if resp == nil || resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *Resolver) listByUser(ctx context.Context, user string) ([]*github.Repository, error) {
	opts := &github.RepositoryListByUserOptions{
		Type:        "owner",
		ListOptions: github.ListOptions{PerPage: discoveryPageSize},
	}
	var all []*github.Repository
	for {
		if err := r.admit(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := r.lister.ListByUser(ctx, user, opts)
		if err != nil {
			return nil, fmt.Errorf("list repositories for user %s: %w", user, err)
		}
		all = append(all, repos...)
		if resp == nil || resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *Resolver) admit(ctx context.Context) error {
	if r.gate == nil {
		return ctx.Err()
	}
	return r.gate.Wait(ctx)
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	return ghErr.Response.StatusCode == http.StatusNotFound
}

func filterRepositories(repos []*github.Repository, org config.GitHubOrgConfig) []*github.Repository {
	if len(repos) == 0 {
		return nil
	}
	normalizedAllowlist := make(map[string]struct{}, len(org.RepoAllowlist))
	allowAll := false
	for _, item := range org.RepoAllowlist {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			break
		}
		normalizedAllowlist[strings.ToLower(trimmed)] = struct{}{}
	}
	useAllowlist := !allowAll && len(normalizedAllowlist) > 0

	filtered := make([]*github.Repository, 0, len(repos))
	for _, repo := range repos {
		if repo == nil {
			continue
		}
		if repo.GetFork() && !org.IncludeForks {
			continue
		}
		if repo.GetArchived() && !org.IncludeArchived {
			continue
		}
		if repo.GetDisabled() {
			continue
		}
		if useAllowlist {
			if _, ok := normalizedAllowlist[strings.ToLower(repo.GetName())]; !ok {
				continue
			}
		}
		filtered = append(filtered, repo)
	}
	return filtered
}
