package leaderboard

import (
	"reflect"
	"testing"
)

func weeksOf(starts ...int64) []Week {
	weeks := make([]Week, 0, len(starts))
	for i, start := range starts {
		weeks = append(weeks, Week{Start: start, Additions: int64(i + 1), Deletions: 1, Commits: 1})
	}
	return weeks
}

func contributor(nodeID string, weeks ...Week) Contributor {
	return Contributor{
		Identity: Identity{Login: "login-" + nodeID, NodeID: nodeID, AvatarURL: "https://avatars.example/" + nodeID},
		Total:    int64(len(weeks)),
		Weeks:    weeks,
	}
}

func TestTierSpecSelect(t *testing.T) {
	t.Parallel()

	six := weeksOf(100, 200, 300, 400, 500, 600)
	two := weeksOf(100, 200)
	specs := TierSpecs(DefaultMonthlyWeeks, DefaultWeeklyWeeks)

	testCases := []struct {
		name  string
		spec  TierSpec
		weeks []Week
		want  []Week
	}{
		{name: "all_times_keeps_everything", spec: specs[0], weeks: six, want: six},
		{name: "monthly_keeps_last_four", spec: specs[1], weeks: six, want: six[2:]},
		{name: "weekly_keeps_last_one", spec: specs[2], weeks: six, want: six[5:]},
		{name: "monthly_keeps_shorter_history_whole", spec: specs[1], weeks: two, want: two},
		{name: "weekly_on_short_history_keeps_last", spec: specs[2], weeks: two, want: two[1:]},
		{name: "empty_history_stays_empty", spec: specs[1], weeks: nil, want: nil},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.spec.Select(tc.weeks)
			if len(got) != len(tc.want) {
				t.Fatalf("len(Select()) = %d, want %d", len(got), len(tc.want))
			}
			if len(got) > 0 && !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Select() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestFoldScoreFormula(t *testing.T) {
	t.Parallel()

	state := newTierState(TierSpecs(4, 1)[0], DefaultWeights)
	state.fold(Repository{Owner: "a", Repo: "x"}, []Contributor{
		contributor("N1", Week{Start: 100, Additions: 1, Deletions: 2, Commits: 3}),
	})

	acc := state.members["N1"]
	if acc == nil {
		t.Fatalf("member N1 missing")
	}
	if acc.score != 10 {
		t.Fatalf("score = %d, want 10", acc.score)
	}
	if acc.totals != (Totals{Additions: 1, Deletions: 2, Commits: 3}) {
		t.Fatalf("totals = %#v", acc.totals)
	}
}

func TestFoldCustomWeights(t *testing.T) {
	t.Parallel()

	state := newTierState(TierSpecs(4, 1)[0], Weights{Additions: 1, Deletions: 1, Commits: 10})
	state.fold(Repository{Owner: "a", Repo: "x"}, []Contributor{
		contributor("N1", Week{Start: 100, Additions: 1, Deletions: 2, Commits: 3}),
	})
	if got := state.members["N1"].score; got != 33 {
		t.Fatalf("score = %d, want 33", got)
	}
}

func TestFoldMergesAcrossRepositories(t *testing.T) {
	t.Parallel()

	state := newTierState(TierSpecs(4, 1)[0], DefaultWeights)
	state.fold(Repository{Owner: "a", Repo: "x"}, []Contributor{
		contributor("N1", Week{Start: 100, Additions: 10, Deletions: 0, Commits: 1}),
	})
	state.fold(Repository{Owner: "a", Repo: "y"}, []Contributor{
		contributor("N1", Week{Start: 100, Additions: 5, Deletions: 0, Commits: 2}),
	})

	if len(state.members) != 1 {
		t.Fatalf("len(members) = %d, want 1", len(state.members))
	}
	acc := state.members["N1"]
	if acc.totals.Additions != 15 || acc.totals.Commits != 3 || acc.totals.Deletions != 0 {
		t.Fatalf("totals = %#v, want additions=15 commits=3", acc.totals)
	}
	if acc.score != 15*3+3 {
		t.Fatalf("score = %d, want %d", acc.score, 15*3+3)
	}
	wantProjects := []Project{{URL: "a/x", Name: "x"}, {URL: "a/y", Name: "y"}}
	if !reflect.DeepEqual(acc.projects, wantProjects) {
		t.Fatalf("projects = %#v, want %#v", acc.projects, wantProjects)
	}
}

func TestFoldIsCommutative(t *testing.T) {
	t.Parallel()

	repoA := Repository{Owner: "o", Repo: "a"}
	repoB := Repository{Owner: "o", Repo: "b"}
	contribA := []Contributor{
		contributor("X", Week{Start: 100, Additions: 7, Deletions: 3, Commits: 2}, Week{Start: 200, Additions: 1}),
		contributor("Y", Week{Start: 100, Commits: 4}),
	}
	contribB := []Contributor{
		contributor("X", Week{Start: 200, Additions: 2, Deletions: 9, Commits: 5}),
	}

	for _, spec := range TierSpecs(4, 1) {
		spec := spec
		t.Run(string(spec.Stat), func(t *testing.T) {
			t.Parallel()

			ab := newTierState(spec, DefaultWeights)
			ab.fold(repoA, contribA)
			ab.fold(repoB, contribB)

			ba := newTierState(spec, DefaultWeights)
			ba.fold(repoB, contribB)
			ba.fold(repoA, contribA)

			if len(ab.members) != len(ba.members) {
				t.Fatalf("member counts differ: %d vs %d", len(ab.members), len(ba.members))
			}
			for nodeID, left := range ab.members {
				right := ba.members[nodeID]
				if right == nil {
					t.Fatalf("member %s missing in reversed fold", nodeID)
				}
				if left.totals != right.totals || left.score != right.score {
					t.Fatalf("member %s differs: %#v/%d vs %#v/%d", nodeID, left.totals, left.score, right.totals, right.score)
				}
				if len(left.projects) != len(right.projects) {
					t.Fatalf("member %s project counts differ", nodeID)
				}
			}
		})
	}
}

func TestFoldRepeatedRepositoryAppendsProject(t *testing.T) {
	t.Parallel()

	repo := Repository{Owner: "a", Repo: "x"}
	state := newTierState(TierSpecs(4, 1)[0], DefaultWeights)
	contributors := []Contributor{contributor("N1", Week{Start: 100, Commits: 1})}
	state.fold(repo, contributors)
	state.fold(repo, contributors)

	acc := state.members["N1"]
	if len(acc.projects) != 2 {
		t.Fatalf("len(projects) = %d, want 2", len(acc.projects))
	}
	if acc.totals.Commits != 2 {
		t.Fatalf("commits = %d, want 2", acc.totals.Commits)
	}
}

func TestFoldEmptyWeeks(t *testing.T) {
	t.Parallel()

	specs := TierSpecs(4, 1)
	testCases := []struct {
		name       string
		spec       TierSpec
		wantMember bool
	}{
		{name: "all_times_keeps_zero_member", spec: specs[0], wantMember: true},
		{name: "monthly_excludes", spec: specs[1], wantMember: false},
		{name: "weekly_excludes", spec: specs[2], wantMember: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			state := newTierState(tc.spec, DefaultWeights)
			state.fold(Repository{Owner: "a", Repo: "x"}, []Contributor{contributor("N1")})

			acc, ok := state.members["N1"]
			if ok != tc.wantMember {
				t.Fatalf("member present = %t, want %t", ok, tc.wantMember)
			}
			if ok && (acc.score != 0 || acc.totals != (Totals{})) {
				t.Fatalf("empty-weeks member = %#v, want zero stats", acc)
			}
			if len(state.window.since) != 0 {
				t.Fatalf("window candidates = %v, want none", state.window.since)
			}
		})
	}
}

func TestFoldKeepsFirstSeenIdentity(t *testing.T) {
	t.Parallel()

	state := newTierState(TierSpecs(4, 1)[0], DefaultWeights)
	first := contributor("N1", Week{Start: 100, Commits: 1})
	renamed := first
	renamed.Identity.Login = "renamed"
	state.fold(Repository{Owner: "a", Repo: "x"}, []Contributor{first})
	state.fold(Repository{Owner: "a", Repo: "y"}, []Contributor{renamed})

	if got := state.members["N1"].identity.Login; got != "login-N1" {
		t.Fatalf("login = %q, want login-N1", got)
	}
}
