package leaderboard

// TierSpec selects the weeks that feed one tier.
type TierSpec struct {
	Stat Stat
	// Weeks is the number of trailing weeks kept; 0 keeps every week.
	Weeks int
	// KeepEmpty keeps contributors whose selected weeks are empty, with zero stats.
	KeepEmpty bool
}

// TierSpecs returns the all-time, monthly and weekly specs in result order.
func TierSpecs(monthlyWeeks, weeklyWeeks int) [3]TierSpec {
	return [3]TierSpec{
		{Stat: StatAllTimes, Weeks: 0, KeepEmpty: true},
		{Stat: StatLastMonth, Weeks: monthlyWeeks},
		{Stat: StatLastWeek, Weeks: weeklyWeeks},
	}
}

// Select returns the trailing weeks for the tier. A shorter history is kept whole.
func (s TierSpec) Select(weeks []Week) []Week {
	if s.Weeks <= 0 || len(weeks) <= s.Weeks {
		return weeks
	}
	return weeks[len(weeks)-s.Weeks:]
}

type accumulator struct {
	identity Identity
	totals   Totals
	score    int64
	projects []Project
}

// tierState is the running accumulator of one tier. It has a single writer.
type tierState struct {
	spec    TierSpec
	weights Weights
	members map[string]*accumulator
	window  windowTracker
}

func newTierState(spec TierSpec, weights Weights) *tierState {
	return &tierState{
		spec:    spec,
		weights: weights,
		members: make(map[string]*accumulator),
	}
}

// fold merges one repository's contributors into the tier, keyed by node id.
func (t *tierState) fold(repo Repository, contributors []Contributor) {
	project := Project{URL: repo.FullName(), Name: repo.Repo}

	for _, contributor := range contributors {
		weeks := t.spec.Select(contributor.Weeks)
		if len(weeks) == 0 && !t.spec.KeepEmpty {
			continue
		}

		totals := sumWeeks(weeks)
		score := t.weights.Score(totals)

		existing, ok := t.members[contributor.Identity.NodeID]
		if !ok {
			t.members[contributor.Identity.NodeID] = &accumulator{
				identity: contributor.Identity,
				totals:   totals,
				score:    score,
				projects: []Project{project},
			}
			continue
		}
		existing.totals = existing.totals.add(totals)
		existing.score += score
		existing.projects = append(existing.projects, project)
	}

	t.window.observe(t.spec, contributors)
}

func sumWeeks(weeks []Week) Totals {
	totals := Totals{}
	for _, week := range weeks {
		totals.Additions += week.Additions
		totals.Deletions += week.Deletions
		totals.Commits += week.Commits
	}
	return totals
}
