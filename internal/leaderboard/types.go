package leaderboard

import (
	"fmt"
	"time"
)

// Stat tags one aggregation tier.
type Stat string

const (
	// StatAllTimes aggregates every recorded week.
	StatAllTimes Stat = "allTimes"
	// StatLastMonth aggregates the trailing monthly window of weeks.
	StatLastMonth Stat = "lastMonth"
	// StatLastWeek aggregates the trailing weekly window of weeks.
	StatLastWeek Stat = "lastWeek"
)

// Stats lists the tiers in result order.
var Stats = [3]Stat{StatAllTimes, StatLastMonth, StatLastWeek}

// ParseStat resolves a tier tag.
func ParseStat(raw string) (Stat, bool) {
	for _, stat := range Stats {
		if string(stat) == raw {
			return stat, true
		}
	}
	return "", false
}

// Repository identifies one GitHub repository to include in a run.
type Repository struct {
	Owner string `json:"owner" yaml:"owner"`
	Repo  string `json:"repo" yaml:"repo"`
}

// FullName returns owner/repo.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Repo
}

// Week is one week of one contributor's activity on one repository.
type Week struct {
	Start     int64
	Additions int64
	Deletions int64
	Commits   int64
}

// Identity is the stable contributor identity; NodeID is the merge key.
type Identity struct {
	Login     string `json:"name"`
	ID        int64  `json:"-"`
	NodeID    string `json:"node_id"`
	AvatarURL string `json:"avatar_url"`
}

// Contributor is one validated contributor block of a stats response.
type Contributor struct {
	Identity Identity
	Total    int64
	Weeks    []Week
}

// Totals holds summed weekly activity.
type Totals struct {
	Additions int64 `json:"additions"`
	Deletions int64 `json:"deletions"`
	Commits   int64 `json:"commits"`
}

func (t Totals) add(other Totals) Totals {
	return Totals{
		Additions: t.Additions + other.Additions,
		Deletions: t.Deletions + other.Deletions,
		Commits:   t.Commits + other.Commits,
	}
}

// Project is one repository a member contributed to.
type Project struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Member is one ranked contributor of a board.
type Member struct {
	Identity
	Projects []Project `json:"projects_names"`
	Score    float64   `json:"score"`
	Stats    Totals    `json:"stats"`
}

// Board is the leaderboard of one tier. Since and Until are epoch milliseconds
// and are nil when no repository qualified for the tier.
type Board struct {
	Members []Member `json:"members"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Stat    Stat     `json:"stat"`
}

// Weights is the score weight triple.
type Weights struct {
	Additions int64 `json:"additions"`
	Deletions int64 `json:"deletions"`
	Commits   int64 `json:"commits"`
}

// DefaultWeights scores additions over deletions over raw commit count.
var DefaultWeights = Weights{Additions: 3, Deletions: 2, Commits: 1}

// Score computes the weighted score of summed activity.
func (w Weights) Score(t Totals) int64 {
	return t.Additions*w.Additions + t.Deletions*w.Deletions + t.Commits*w.Commits
}

// DiagnosticKind classifies a per-repository failure.
type DiagnosticKind string

const (
	// DiagnosticFetch is a failed or non-success fetch.
	DiagnosticFetch DiagnosticKind = "fetch_error"
	// DiagnosticValidation is a response that does not match the contributor stats shape.
	DiagnosticValidation DiagnosticKind = "validation_error"
	// DiagnosticInput is an input entry with an empty owner or repo.
	DiagnosticInput DiagnosticKind = "invalid_input"
)

// Diagnostic records why one repository was excluded from a run.
type Diagnostic struct {
	Repository Repository     `json:"repository"`
	Kind       DiagnosticKind `json:"kind"`
	StatusCode int            `json:"status_code,omitempty"`
	Message    string         `json:"message"`
}

// Summary counts per-repository outcomes of one run.
type Summary struct {
	Requested        int `json:"requested"`
	Folded           int `json:"folded"`
	FetchFailed      int `json:"fetch_failed"`
	ValidationFailed int `json:"validation_failed"`
	InvalidInput     int `json:"invalid_input"`
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID       string       `json:"run_id"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Boards      [3]Board     `json:"boards"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Summary     Summary      `json:"summary"`
}

// Board returns the board for one tier.
func (r Report) Board(stat Stat) (Board, bool) {
	for _, board := range r.Boards {
		if board.Stat == stat {
			return board, true
		}
	}
	return Board{}, false
}

// FetchError is a non-success outcome from the statistics endpoint for one repository.
type FetchError struct {
	Repository Repository
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch contributor stats for %s: %v", e.Repository.FullName(), e.Err)
	}
	return fmt.Sprintf("fetch contributor stats for %s: status %d", e.Repository.FullName(), e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ValidationError reports a response that does not match the contributor stats shape.
type ValidationError struct {
	Repository Repository
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate contributor stats for %s: %v", e.Repository.FullName(), e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
