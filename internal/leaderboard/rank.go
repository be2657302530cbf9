package leaderboard

import (
	"cmp"
	"slices"
)

// finalize normalizes scores to 0-100 against the tier maximum and orders members
// by score descending, then node id ascending.
func (t *tierState) finalize() Board {
	since, until := t.window.bounds()
	board := Board{
		Members: make([]Member, 0, len(t.members)),
		Since:   since,
		Until:   until,
		Stat:    t.spec.Stat,
	}
	if len(t.members) == 0 {
		return board
	}

	var maxScore int64
	for _, acc := range t.members {
		maxScore = max(maxScore, acc.score)
	}

	for _, acc := range t.members {
		score := 0.0
		if maxScore > 0 {
			score = float64(acc.score) / float64(maxScore) * 100
		}
		board.Members = append(board.Members, Member{
			Identity: acc.identity,
			Projects: slices.Clone(acc.projects),
			Score:    score,
			Stats:    acc.totals,
		})
	}

	slices.SortStableFunc(board.Members, func(a, b Member) int {
		if byScore := cmp.Compare(b.Score, a.Score); byScore != 0 {
			return byScore
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	return board
}
